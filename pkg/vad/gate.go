package vad

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
)

var ErrGateStarted = errors.New("vad: gate already started")

type EventType int

const (
	SpeechStart EventType = iota
	SpeechEnd
)

func (t EventType) String() string {
	if t == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Event is emitted at segment boundaries. At is measured on the stream clock
// (samples seen so far), so events are ordered even when frames arrive with
// jitter.
type Event struct {
	Type      EventType
	At        time.Duration
	Time      time.Time
	Segment   *Segment
	Utterance *dialogue.Utterance
	// Fallback marks segments cut by the always-listening mode after a
	// classifier fault.
	Fallback bool
}

// Segment delivers the audio of one speech segment. Audio is closed at
// SpeechEnd or when the gate stops.
type Segment struct {
	ID       string
	Start    time.Duration
	Fallback bool

	audio   chan frames.AudioFrame
	dropped int
	utt     *dialogue.Utterance
}

func (s *Segment) Audio() <-chan frames.AudioFrame { return s.audio }

// NewSegment builds a segment fed by the caller. Close the returned channel to
// end it.
func NewSegment(id string, buffer int) (*Segment, chan<- frames.AudioFrame) {
	ch := make(chan frames.AudioFrame, buffer)
	return &Segment{ID: id, audio: ch}, ch
}

type GateConfig struct {
	MinSpeech       time.Duration
	MinSilence      time.Duration
	PreRoll         time.Duration
	FallbackSegment time.Duration
	SegmentBuffer   int
}

func (c GateConfig) withDefaults() GateConfig {
	if c.MinSpeech <= 0 {
		c.MinSpeech = 200 * time.Millisecond
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 500 * time.Millisecond
	}
	if c.PreRoll < 0 {
		c.PreRoll = 0
	}
	if c.FallbackSegment <= 0 {
		c.FallbackSegment = 5 * time.Second
	}
	if c.SegmentBuffer <= 0 {
		c.SegmentBuffer = 512
	}
	return c
}

type gateState int

const (
	stateSilence gateState = iota
	stateCandidate
	stateSpeaking
)

// Gate turns a continuous frame stream into speech segments. A gate is
// single use.
type Gate struct {
	model   Model
	cfg     GateConfig
	slot    *dialogue.Slot
	rec     *metrics.Recorder
	logger  *slog.Logger
	onFault func(error)

	started  bool
	startMu  sync.Mutex
	clock    time.Duration
	state    gateState
	fallback bool

	preroll    []frames.AudioFrame
	candidate  []frames.AudioFrame
	candStart  time.Duration
	speechRun  time.Duration
	silenceRun time.Duration
	pending    *dialogue.Utterance
	segment    *Segment
	segLen     time.Duration
}

type GateOption func(*Gate)

func WithRecorder(rec *metrics.Recorder) GateOption {
	return func(g *Gate) { g.rec = rec }
}

func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithFaultHandler is called once when the classifier fails and the gate
// switches to always-listening.
func WithFaultHandler(fn func(error)) GateOption {
	return func(g *Gate) { g.onFault = fn }
}

// WithSlot binds user utterances to the session's user slot.
func WithSlot(slot *dialogue.Slot) GateOption {
	return func(g *Gate) { g.slot = slot }
}

func NewGate(model Model, cfg GateConfig, opts ...GateOption) *Gate {
	g := &Gate{
		model:  model,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.slot == nil {
		g.slot = dialogue.NewSlot(dialogue.SourceUser)
	}
	return g
}

// Run consumes in until it closes or ctx ends. The returned channel is closed
// when the gate stops.
func (g *Gate) Run(ctx context.Context, in <-chan frames.AudioFrame) (<-chan Event, error) {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.started {
		return nil, ErrGateStarted
	}
	g.started = true
	out := make(chan Event, 16)
	go g.loop(ctx, in, out)
	return out, nil
}

func (g *Gate) loop(ctx context.Context, in <-chan frames.AudioFrame, out chan<- Event) {
	defer close(out)
	emit := func(ev Event) bool {
		ev.Time = time.Now()
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	defer g.stop(emit)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if !g.process(f, emit) {
				return
			}
		}
	}
}

func (g *Gate) process(f frames.AudioFrame, emit func(Event) bool) bool {
	at := g.clock
	dur := f.Duration()
	g.clock += dur
	if dur == 0 {
		return true
	}
	if g.fallback {
		return g.processFallback(f, at, dur, emit)
	}
	pcm, err := f.PCM16()
	if err != nil {
		g.logger.Debug("vad_frame_skipped", "error", err)
		return true
	}
	res, err := g.model.Classify(pcm, f.Rate())
	if err != nil {
		g.fault(err)
		if g.state == stateCandidate {
			g.discardCandidate()
		}
		return g.processFallback(f, at, dur, emit)
	}

	switch g.state {
	case stateSilence:
		if !res.Speech {
			g.pushPreroll(f)
			return true
		}
		g.pending = g.slot.New()
		g.candStart = at
		g.candidate = append(g.candidate[:0], g.preroll...)
		g.candidate = append(g.candidate, f)
		g.preroll = g.preroll[:0]
		g.speechRun = dur
		g.silenceRun = 0
		g.state = stateCandidate
		return g.promoteIfLong(emit)
	case stateCandidate:
		g.candidate = append(g.candidate, f)
		if res.Speech {
			g.speechRun += dur
			g.silenceRun = 0
			return g.promoteIfLong(emit)
		}
		g.silenceRun += dur
		if g.silenceRun >= g.cfg.MinSilence {
			g.rec.Count(metrics.StageVAD, "blip")
			g.discardCandidate()
		}
		return true
	case stateSpeaking:
		g.push(f)
		if res.Speech {
			g.silenceRun = 0
			return true
		}
		g.silenceRun += dur
		if g.silenceRun >= g.cfg.MinSilence {
			return g.endSegment(at, emit)
		}
		return true
	}
	return true
}

func (g *Gate) promoteIfLong(emit func(Event) bool) bool {
	if g.speechRun < g.cfg.MinSpeech {
		return true
	}
	utt := g.pending
	g.pending = nil
	if err := utt.Start(); err != nil {
		g.logger.Warn("vad_utterance_rejected", "utterance_id", utt.ID, "error", err)
		_ = utt.Cancel()
		g.candidate = g.candidate[:0]
		g.state = stateSilence
		return true
	}
	seg := &Segment{ID: utt.ID, Start: g.candStart, audio: make(chan frames.AudioFrame, g.cfg.SegmentBuffer), utt: utt}
	g.segment = seg
	g.state = stateSpeaking
	g.silenceRun = 0
	for _, f := range g.candidate {
		g.push(f)
	}
	g.candidate = g.candidate[:0]
	g.rec.Count(metrics.StageVAD, "speech_start")
	g.logger.Debug("vad_speech_start", "utterance_id", utt.ID, "at_ms", g.candStart.Milliseconds())
	return emit(Event{Type: SpeechStart, At: g.candStart, Segment: seg, Utterance: utt})
}

func (g *Gate) endSegment(at time.Duration, emit func(Event) bool) bool {
	seg := g.segment
	utt := seg.utt
	g.segment = nil
	g.segLen = 0
	g.silenceRun = 0
	g.state = stateSilence
	close(seg.audio)
	if utt != nil {
		utt.Complete()
	}
	if seg.dropped > 0 {
		g.logger.Warn("vad_segment_overflow", "segment_id", seg.ID, "dropped", seg.dropped)
	}
	g.rec.Count(metrics.StageVAD, "speech_end")
	return emit(Event{Type: SpeechEnd, At: at, Segment: seg, Utterance: utt, Fallback: seg.Fallback})
}

func (g *Gate) processFallback(f frames.AudioFrame, at, dur time.Duration, emit func(Event) bool) bool {
	if g.segment == nil {
		utt := g.slot.New()
		if err := utt.Start(); err != nil {
			return true
		}
		seg := &Segment{ID: utt.ID, Start: at, Fallback: true, audio: make(chan frames.AudioFrame, g.cfg.SegmentBuffer), utt: utt}
		g.segment = seg
		g.segLen = 0
		g.state = stateSpeaking
		if !emit(Event{Type: SpeechStart, At: at, Segment: seg, Utterance: utt, Fallback: true}) {
			return false
		}
	}
	g.push(f)
	g.segLen += dur
	if g.segLen >= g.cfg.FallbackSegment {
		return g.endSegment(at, emit)
	}
	return true
}

func (g *Gate) push(f frames.AudioFrame) {
	select {
	case g.segment.audio <- f:
	default:
		g.segment.dropped++
	}
}

func (g *Gate) pushPreroll(f frames.AudioFrame) {
	if g.cfg.PreRoll <= 0 {
		return
	}
	g.preroll = append(g.preroll, f)
	var total time.Duration
	for i := len(g.preroll) - 1; i >= 0; i-- {
		total += g.preroll[i].Duration()
		if total > g.cfg.PreRoll {
			g.preroll = append(g.preroll[:0], g.preroll[i+1:]...)
			return
		}
	}
}

func (g *Gate) discardCandidate() {
	if g.pending != nil {
		_ = g.pending.Cancel()
		g.pending = nil
	}
	g.candidate = g.candidate[:0]
	g.speechRun = 0
	g.silenceRun = 0
	g.state = stateSilence
}

func (g *Gate) fault(err error) {
	g.fallback = true
	err = errorsx.Wrap(err, errorsx.ReasonClassifierFault)
	g.rec.Count(metrics.StageVAD, metrics.EventClassifierFault)
	g.logger.Error("vad_classifier_fault", "reason_code", errorsx.Reason(err), "error", err)
	if g.onFault != nil {
		g.onFault(err)
	}
}

// stop closes an open segment. SpeechEnd is still delivered when the input
// ended normally.
func (g *Gate) stop(emit func(Event) bool) {
	if g.pending != nil {
		_ = g.pending.Cancel()
		g.pending = nil
	}
	if g.segment != nil {
		g.endSegment(g.clock, emit)
	}
}
