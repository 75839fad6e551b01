package stt

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type DeltaKind int

const (
	Partial DeltaKind = iota
	Final
	Failed
)

func (k DeltaKind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return "failed"
	}
}

// Delta is one transcript update for a segment. AudioMS is the amount of
// segment audio the text covers and never decreases within a segment.
type Delta struct {
	SegmentID string
	Kind      DeltaKind
	Text      string
	AudioMS   int64
	Err       error
}

type TranscriberConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	FinalTimeout time.Duration
	Provider     Config
}

type Transcriber struct {
	factory Factory
	cfg     TranscriberConfig
	breaker *resilience.CircuitBreaker
	rec     *metrics.Recorder
	logger  *slog.Logger
}

func NewTranscriber(factory Factory, cfg TranscriberConfig, breaker *resilience.CircuitBreaker, rec *metrics.Recorder, logger *slog.Logger) *Transcriber {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{factory: factory, cfg: cfg, breaker: breaker, rec: rec, logger: logger}
}

// segmentState survives provider reconnects so audio can be replayed.
type segmentState struct {
	id     string
	audio  <-chan frames.AudioFrame
	replay []frames.AudioFrame
	sent   time.Duration
	closed bool
	lastMS int64
	out    chan<- Delta
}

// Transcribe streams the segment audio to a provider and returns its deltas.
// The sequence ends with exactly one Final, or one Failed after the retries
// are exhausted. Canceling ctx ends it early without either.
func (t *Transcriber) Transcribe(ctx context.Context, segmentID string, audio <-chan frames.AudioFrame) <-chan Delta {
	out := make(chan Delta, 32)
	st := &segmentState{id: segmentID, audio: audio, out: out}
	go func() {
		defer close(out)
		started := time.Now()
		policy := resilience.NewRetryPolicy(t.cfg.MaxAttempts, t.cfg.BaseDelay)
		policy.OnRetry = func(attempt int, err error) {
			t.rec.Count(metrics.StageSTT, metrics.EventRetry)
			t.logger.Warn("stt_retry", "segment_id", segmentID, "attempt", attempt, "reason_code", errorsx.Reason(err), "error", err)
		}
		err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			return t.attempt(ctx, st)
		})
		if err == nil {
			t.rec.Audio(metrics.StageSTT, metrics.NameAudioIn, st.sent)
			t.rec.Latency(metrics.StageSTT, metrics.EventFinalTranscript, time.Since(started))
			return
		}
		if ctx.Err() != nil {
			return
		}
		failed := errorsx.Errorf(errorsx.ReasonTranscriptionFailed, "segment %s: %w", segmentID, err)
		t.rec.Count(metrics.StageSTT, metrics.EventTranscriptionFailed)
		t.logger.Error("stt_transcription_failed", "segment_id", segmentID, "reason_code", errorsx.Reason(err), "error", err)
		select {
		case out <- Delta{SegmentID: segmentID, Kind: Failed, Err: failed, AudioMS: st.lastMS}:
		case <-ctx.Done():
		}
	}()
	return out
}

func (t *Transcriber) attempt(ctx context.Context, st *segmentState) error {
	if !t.breaker.Allow() {
		t.rec.Count(metrics.StageSTT, metrics.EventBreakerDenied)
		return errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonSTTCircuitOpen)
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prov, err := t.factory(attemptCtx, t.cfg.Provider)
	if err != nil {
		return t.fail(errorsx.Wrap(err, errorsx.ReasonSTTConnect))
	}
	if err := prov.Start(attemptCtx); err != nil {
		_ = prov.Close()
		return t.fail(errorsx.Wrap(err, errorsx.ReasonSTTConnect))
	}
	defer prov.Close()
	for _, f := range st.replay {
		if err := prov.SendAudio(f); err != nil {
			return t.fail(errorsx.Wrap(err, errorsx.ReasonSTTSend))
		}
	}

	var committed, interim string
	settled := false
	var finalTimer <-chan time.Time
	audio := st.audio
	if st.closed {
		audio = nil
		finalTimer = time.After(t.cfg.FinalTimeout)
	}
	results := prov.Results()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-audio:
			if !ok {
				st.closed = true
				audio = nil
				if settled {
					return t.finalize(ctx, st, committed)
				}
				finalTimer = time.After(t.cfg.FinalTimeout)
				continue
			}
			st.replay = append(st.replay, f)
			st.sent += f.Duration()
			if err := prov.SendAudio(f); err != nil {
				return t.fail(errorsx.Wrap(err, errorsx.ReasonSTTSend))
			}
		case r, ok := <-results:
			if !ok {
				if st.closed {
					return t.finalize(ctx, st, join(committed, interim))
				}
				return t.fail(errorsx.Errorf(errorsx.ReasonSTTProvider, "%s: results closed", prov.Name()))
			}
			switch fr := r.(type) {
			case frames.TextFrame:
				if fr.IsFinal() {
					committed = join(committed, fr.Text())
					interim = ""
				} else {
					interim = fr.Text()
					settled = false
				}
				if fr.SpeechFinal() {
					settled = true
				}
				if !t.emit(ctx, st, Delta{Kind: Partial, Text: join(committed, interim)}) {
					return ctx.Err()
				}
			case frames.ControlFrame:
				switch fr.Code() {
				case frames.ControlError:
					return t.fail(providerError(prov.Name(), fr.Meta()[frames.MetaError]))
				case frames.ControlFlush:
					if fr.Reason() == "speech_final" && interim == "" {
						settled = true
					}
				}
			}
			if settled && st.closed {
				return t.finalize(ctx, st, committed)
			}
		case <-finalTimer:
			t.logger.Debug("stt_final_timeout", "segment_id", st.id)
			return t.finalize(ctx, st, join(committed, interim))
		}
	}
}

func (t *Transcriber) finalize(ctx context.Context, st *segmentState, text string) error {
	t.breaker.OnSuccess()
	if !t.emit(ctx, st, Delta{Kind: Final, Text: strings.TrimSpace(text)}) {
		return ctx.Err()
	}
	return nil
}

func (t *Transcriber) fail(err error) error {
	if t.breaker.OnError(err) {
		t.rec.Count(metrics.StageSTT, metrics.EventBreakerOpen)
		t.logger.Warn("stt_circuit_open", "error", err)
	}
	if resilience.IsRateLimit(err) {
		t.rec.Count(metrics.StageSTT, metrics.EventRateLimit)
	}
	return err
}

func (t *Transcriber) emit(ctx context.Context, st *segmentState, d Delta) bool {
	d.SegmentID = st.id
	ms := st.sent.Milliseconds()
	if ms < st.lastMS {
		ms = st.lastMS
	}
	st.lastMS = ms
	d.AudioMS = ms
	select {
	case st.out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func providerError(name, msg string) error {
	if msg == "" {
		msg = "provider error"
	}
	if strings.Contains(strings.ToLower(msg), "429") || strings.Contains(strings.ToLower(msg), "rate limit") {
		return errorsx.Wrap(resilience.RateLimitError{Provider: name, Message: msg}, errorsx.ReasonSTTRateLimit)
	}
	return errorsx.Errorf(errorsx.ReasonSTTProvider, "%s: %s", name, msg)
}

func join(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
