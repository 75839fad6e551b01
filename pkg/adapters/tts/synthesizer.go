package tts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type EventType int

const (
	UtteranceStarted EventType = iota
	UtteranceCompleted
	UtteranceCanceled
	UtteranceFailed
)

func (t EventType) String() string {
	switch t {
	case UtteranceStarted:
		return "utterance_started"
	case UtteranceCompleted:
		return "utterance_completed"
	case UtteranceCanceled:
		return "utterance_canceled"
	default:
		return "utterance_failed"
	}
}

// Event reports the progress of one assistant utterance. Started is sent with
// the first outbound audio; exactly one of Completed, Canceled or Failed ends
// the sequence.
type Event struct {
	Type      EventType
	Utterance *dialogue.Utterance
	Err       error
	// Spoken is the text the listener heard. Exact is false when it is the
	// full intended text because the played prefix is unknown.
	Spoken string
	Exact  bool
	Played time.Duration
	Time   time.Time
}

type SynthesizerConfig struct {
	// MaxAhead bounds the audio queued downstream of the synthesizer.
	MaxAhead time.Duration
	// FrameDuration is the size of the slices handed to the sink.
	FrameDuration time.Duration
	StartAttempts int
	Provider      Config
}

type Synthesizer struct {
	factory Factory
	sink    Sink
	cfg     SynthesizerConfig
	breaker *resilience.CircuitBreaker
	rec     *metrics.Recorder
	logger  *slog.Logger
}

func NewSynthesizer(factory Factory, sink Sink, cfg SynthesizerConfig, breaker *resilience.CircuitBreaker, rec *metrics.Recorder, logger *slog.Logger) *Synthesizer {
	if cfg.MaxAhead <= 0 {
		cfg.MaxAhead = 200 * time.Millisecond
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{factory: factory, sink: sink, cfg: cfg, breaker: breaker, rec: rec, logger: logger}
}

// Speak synthesizes chunks for utt and paces the audio into the sink. The
// returned channel is closed after the terminal event.
func (s *Synthesizer) Speak(ctx context.Context, utt *dialogue.Utterance, chunks <-chan string) <-chan Event {
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		s.run(ctx, utt, chunks, events)
	}()
	return events
}

type speakRun struct {
	s      *Synthesizer
	ctx    context.Context
	pubCtx context.Context
	utt    *dialogue.Utterance
	events chan<- Event
	pb     playback
	begin  time.Time
}

func (s *Synthesizer) run(ctx context.Context, utt *dialogue.Utterance, chunks <-chan string, events chan<- Event) {
	r := &speakRun{s: s, ctx: ctx, utt: utt, events: events, begin: time.Now()}
	if utt.State() == dialogue.UtterancePending {
		if err := utt.Start(); err != nil {
			r.fail(err)
			return
		}
	}

	pubCtx, stopPub := context.WithCancel(ctx)
	defer stopPub()
	go func() {
		select {
		case <-utt.Canceled():
			stopPub()
		case <-pubCtx.Done():
		}
	}()
	r.pubCtx = pubCtx

	prov, err := s.open(pubCtx)
	if err != nil {
		if r.canceled() {
			r.cancel()
			return
		}
		r.fail(err)
		return
	}
	defer prov.Close()

	writeErr := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.write(pubCtx, prov, utt, chunks, writeErr)
	}()
	defer func() {
		stopPub()
		<-writerDone
	}()

	results := prov.Results()
	for {
		select {
		case <-ctx.Done():
			r.cancel()
			return
		case <-utt.Canceled():
			r.cancel()
			return
		case err := <-writeErr:
			r.fail(errorsx.Wrap(err, errorsx.ReasonTTSSend))
			return
		case f, ok := <-results:
			if !ok {
				r.fail(errorsx.Errorf(errorsx.ReasonTTSProvider, "%s: results closed before audio_done", prov.Name()))
				return
			}
			switch fr := f.(type) {
			case frames.AlignmentFrame:
				r.pb.align(fr.Chars())
			case frames.AudioFrame:
				if !r.play(fr) {
					return
				}
			case frames.ControlFrame:
				switch fr.Code() {
				case frames.ControlAudioDone:
					r.complete()
					return
				case frames.ControlError:
					r.fail(errorsx.Errorf(errorsx.ReasonTTSProvider, "%s: %s", prov.Name(), fr.Meta()[frames.MetaError]))
					return
				}
			}
		}
	}
}

// open starts a provider, retrying once and honoring the shared breaker.
func (s *Synthesizer) open(ctx context.Context) (StreamingTTS, error) {
	policy := resilience.NewRetryPolicy(s.cfg.StartAttempts, 100*time.Millisecond)
	policy.OnRetry = func(attempt int, err error) {
		s.rec.Count(metrics.StageTTS, metrics.EventRetry)
		s.logger.Warn("tts_start_retry", "attempt", attempt, "reason_code", errorsx.Reason(err), "error", err)
	}
	var prov StreamingTTS
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		if !s.breaker.Allow() {
			s.rec.Count(metrics.StageTTS, metrics.EventBreakerDenied)
			return errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonTTSCircuitOpen)
		}
		p, err := s.factory(ctx, s.cfg.Provider)
		if err == nil {
			err = p.Start(ctx)
			if err != nil {
				_ = p.Close()
			}
		}
		if err != nil {
			if resilience.IsRateLimit(err) {
				s.rec.Count(metrics.StageTTS, metrics.EventRateLimit)
				err = errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
			}
			if s.breaker.OnError(err) {
				s.rec.Count(metrics.StageTTS, metrics.EventBreakerOpen)
				s.logger.Warn("tts_circuit_open", "error", err)
			}
			return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		}
		s.breaker.OnSuccess()
		prov = p
		return nil
	})
	return prov, err
}

func (s *Synthesizer) write(ctx context.Context, prov StreamingTTS, utt *dialogue.Utterance, chunks <-chan string, errCh chan<- error) {
	chars := 0
	defer func() {
		s.rec.Cost(metrics.StageTTS, metrics.NameCharacters, float64(chars))
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				prov.Flush()
				return
			}
			if chunk == "" {
				continue
			}
			utt.AppendText(chunk)
			chars += len([]rune(chunk))
			if err := prov.SendText(chunk); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// play slices and paces one provider chunk. It reports false when the run
// ended while playing.
func (r *speakRun) play(f frames.AudioFrame) bool {
	for _, slice := range split(f, r.s.cfg.FrameDuration) {
		if !r.pb.started() {
			r.pb.first = time.Now()
			r.s.rec.Latency(metrics.StageTTS, metrics.EventFirstAudio, r.pb.first.Sub(r.begin))
			r.emit(Event{Type: UtteranceStarted})
		}
		if over := r.pb.ahead(time.Now()) - r.s.cfg.MaxAhead; over > 0 {
			if !r.wait(over) {
				r.cancel()
				return false
			}
		}
		if err := r.s.sink.PublishOutbound(r.pubCtx, slice); err != nil {
			if r.canceled() {
				r.cancel()
				return false
			}
			r.fail(errorsx.Wrap(err, errorsx.ReasonTransportSend))
			return false
		}
		r.pb.sent += slice.Duration()
	}
	return true
}

func (r *speakRun) complete() {
	if rest := r.pb.ahead(time.Now()); rest > 0 {
		if !r.wait(rest) {
			r.cancel()
			return
		}
	}
	if !r.utt.Complete() {
		r.cancel()
		return
	}
	text := strings.TrimSpace(r.utt.Text())
	r.utt.SetSpoken(text, false)
	r.s.rec.Audio(metrics.StageTTS, metrics.NameAudioOut, r.pb.sent)
	r.s.logger.Debug("tts_utterance_completed", "utterance_id", r.utt.ID, "audio_ms", r.pb.sent.Milliseconds())
	r.emit(Event{Type: UtteranceCompleted, Spoken: text, Exact: true, Played: r.pb.sent})
}

func (r *speakRun) cancel() {
	now := time.Now()
	spoken, exact := r.pb.spoken(now, strings.TrimSpace(r.utt.Text()))
	played := r.pb.played(now)
	r.utt.SetSpoken(spoken, !exact)
	_ = r.utt.Cancel()
	r.s.rec.Audio(metrics.StageTTS, metrics.NameAudioOut, played)
	r.s.logger.Debug("tts_utterance_canceled", "utterance_id", r.utt.ID, "played_ms", played.Milliseconds(), "exact", exact)
	r.emit(Event{Type: UtteranceCanceled, Spoken: spoken, Exact: exact, Played: played})
}

func (r *speakRun) fail(err error) {
	if !errorsx.HasReason(err, errorsx.ReasonSynthesisFailed) {
		err = errorsx.Errorf(errorsx.ReasonSynthesisFailed, "utterance %s: %w", r.utt.ID, err)
	}
	now := time.Now()
	spoken, exact := r.pb.spoken(now, strings.TrimSpace(r.utt.Text()))
	played := r.pb.played(now)
	r.utt.SetSpoken(spoken, !exact)
	_ = r.utt.Cancel()
	r.s.rec.Count(metrics.StageTTS, metrics.EventSynthesisFailed)
	r.s.logger.Error("tts_synthesis_failed", "utterance_id", r.utt.ID, "reason_code", errorsx.ReasonSynthesisFailed, "error", err)
	r.emit(Event{Type: UtteranceFailed, Err: err, Spoken: spoken, Exact: exact, Played: played})
}

func (r *speakRun) canceled() bool {
	return r.utt.IsCanceled() || r.ctx.Err() != nil
}

func (r *speakRun) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.ctx.Done():
		return false
	case <-r.utt.Canceled():
		return false
	}
}

func (r *speakRun) emit(ev Event) {
	ev.Utterance = r.utt
	ev.Time = time.Now()
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// split cuts fixed-width audio into slices of d. Frames of compressed codecs
// are passed through whole.
func split(f frames.AudioFrame, d time.Duration) []frames.AudioFrame {
	width := f.Codec().SampleWidth() * f.Channels()
	if width == 0 || f.Rate() <= 0 {
		return []frames.AudioFrame{f}
	}
	size := int(int64(f.Rate())*int64(d)/int64(time.Second)) * width
	data := f.RawPayload()
	if size <= 0 || len(data) <= size {
		return []frames.AudioFrame{f}
	}
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	out := make([]frames.AudioFrame, 0, len(data)/size+1)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, frames.NewAudioFrame(streamID, f.PTS(), data[off:end], f.Rate(), f.Channels(), meta))
	}
	return out
}
