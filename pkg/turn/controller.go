package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/coordinator"
	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/redact"
	"github.com/harunnryd/voxturn/pkg/vad"
)

type Config struct {
	// NoSpeechTimeout arms a reprompt signal whenever the floor is handed
	// to the user. Zero disables it.
	NoSpeechTimeout time.Duration
	// CancelAckTimeout bounds how long INTERRUPTED waits for the canceled
	// utterance to stop.
	CancelAckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = 2 * time.Second
	}
	return c
}

type Deps struct {
	Transcriber Transcriber
	Responder   Responder
	Speaker     Speaker
	Playback    Playback
	Context     *dialogue.Context
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
}

// Controller owns the TurnState of one session. All transitions and all
// DialogueContext appends happen on the goroutine running Run.
type Controller struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	rec     *metrics.Recorder
	sm      *stateMachine
	slot    *dialogue.Slot
	inbox   chan any
	signals chan Signal
	done    chan struct{}

	current   *assistantTurn
	held      []string
	reprompts int
	noSpeech  *time.Timer
	noSpeechC <-chan time.Time
	ackC      <-chan time.Time
}

type assistantTurn struct {
	utt      *dialogue.Utterance
	cancel   context.CancelFunc
	bargedAt time.Time
}

type joinMsg struct{}

type sayMsg struct {
	text          string
	interruptible bool
}

type deltaMsg struct{ delta stt.Delta }

type speechMsg struct {
	turn *assistantTurn
	ev   tts.Event
}

type resultMsg struct {
	turn *assistantTurn
	res  coordinator.Result
}

func NewController(cfg Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger.With("component", "turn.controller"),
		rec:     deps.Recorder,
		sm:      newStateMachine(),
		slot:    dialogue.NewSlot(dialogue.SourceAssistant),
		inbox:   make(chan any, 64),
		signals: make(chan Signal, 8),
		done:    make(chan struct{}),
	}
}

func (c *Controller) State() State { return c.sm.State() }

func (c *Controller) AddListener(l StateListener) { c.sm.AddListener(l) }

// Signals delivers reprompt and failure notices. Slow readers lose signals.
func (c *Controller) Signals() <-chan Signal { return c.signals }

// ParticipantJoined hands the floor to the user.
func (c *Controller) ParticipantJoined() { c.post(joinMsg{}) }

// Say speaks text without asking the model. It is ignored unless the user
// holds the floor.
func (c *Controller) Say(text string, interruptible bool) {
	c.post(sayMsg{text: text, interruptible: interruptible})
}

func (c *Controller) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

// Run processes VAD events and internal messages until ctx ends or the VAD
// stream closes. The state is IDLE when Run returns.
func (c *Controller) Run(ctx context.Context, events <-chan vad.Event) error {
	defer close(c.done)
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.onVAD(ctx, ev)
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		case <-c.noSpeechC:
			c.onNoSpeech()
		case <-c.ackC:
			c.onAckTimeout(ctx)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case joinMsg:
		if c.sm.State() == StateIdle {
			c.transition(StateListeningUser, ReasonParticipantJoined)
		}
	case sayMsg:
		c.onSay(ctx, m)
	case deltaMsg:
		c.onDelta(ctx, m.delta)
	case speechMsg:
		c.onSpeech(ctx, m.turn, m.ev)
	case resultMsg:
		c.onResult(m.turn, m.res)
	}
}

func (c *Controller) onVAD(ctx context.Context, ev vad.Event) {
	if ev.Type != vad.SpeechStart || ev.Segment == nil {
		return
	}
	c.disarmNoSpeech()
	if !ev.Fallback && c.sm.State() == StateSpeakingAssistant && c.current != nil && c.current.utt.Interruptible {
		c.bargeIn(ctx, ev)
	}
	seg := ev.Segment
	go func() {
		for d := range c.deps.Transcriber.Transcribe(ctx, seg.ID, seg.Audio()) {
			c.post(deltaMsg{delta: d})
		}
	}()
}

func (c *Controller) bargeIn(ctx context.Context, ev vad.Event) {
	turn := c.current
	if _, err := c.transition(StateInterrupted, ReasonBargeIn); err != nil {
		return
	}
	turn.bargedAt = ev.Time
	if turn.bargedAt.IsZero() {
		turn.bargedAt = time.Now()
	}
	turn.cancel()
	turn.utt.Interrupt()
	if err := c.deps.Playback.Flush(ctx); err != nil {
		c.logger.Warn("turn_playback_flush_failed", "utterance_id", turn.utt.ID, "error", err)
	}
	c.rec.Count(metrics.StageTurn, metrics.EventBargeIn)
	c.logger.Info("turn_barge_in", "utterance_id", turn.utt.ID, "segment_id", ev.Segment.ID)
	c.ackC = time.After(c.cfg.CancelAckTimeout)
}

func (c *Controller) onDelta(ctx context.Context, d stt.Delta) {
	switch d.Kind {
	case stt.Partial:
		c.logger.Debug("turn_partial_transcript", "segment_id", d.SegmentID, "text", redact.Text(d.Text))
	case stt.Failed:
		c.logger.Warn("turn_transcription_failed", "segment_id", d.SegmentID, "error", d.Err)
		c.signal(Signal{Type: SignalTranscriptionFailed, Err: d.Err})
		if c.sm.State() == StateListeningUser {
			c.armNoSpeech()
		}
	case stt.Final:
		text := strings.TrimSpace(d.Text)
		if text == "" {
			c.logger.Debug("turn_empty_transcript", "segment_id", d.SegmentID)
			if c.sm.State() == StateListeningUser {
				c.armNoSpeech()
			}
			return
		}
		switch c.sm.State() {
		case StateListeningUser:
			c.respondTo(ctx, text)
		case StateInterrupted:
			c.held = append(c.held, text)
		default:
			c.rec.Count(metrics.StageTurn, metrics.EventTranscriptDropped)
			c.logger.Info("turn_transcript_dropped", "segment_id", d.SegmentID, "state", c.sm.State().String())
		}
	}
}

// respondTo records the user turn and starts a model response.
func (c *Controller) respondTo(ctx context.Context, text string) {
	if _, err := c.transition(StateThinkingAssistant, ReasonFinalTranscript); err != nil {
		return
	}
	c.reprompts = 0
	c.deps.Context.Append(dialogue.Turn{Role: dialogue.RoleUser, Text: text, Timestamp: time.Now()})
	c.logger.Info("turn_user_final", "text", redact.Text(text))

	utt := c.slot.New()
	respCtx, cancel := context.WithCancel(ctx)
	turn := &assistantTurn{utt: utt, cancel: cancel}
	c.current = turn

	chunks := make(chan string, 16)
	history := c.deps.Context.Snapshot()
	go func() {
		res := c.deps.Responder.Respond(respCtx, history, chunks)
		c.post(resultMsg{turn: turn, res: res})
	}()
	c.speak(ctx, turn, chunks)
}

func (c *Controller) onSay(ctx context.Context, m sayMsg) {
	text := strings.TrimSpace(m.text)
	if text == "" {
		return
	}
	if c.sm.State() != StateListeningUser {
		c.logger.Debug("turn_say_ignored", "state", c.sm.State().String())
		return
	}
	if _, err := c.transition(StateThinkingAssistant, ReasonSay); err != nil {
		return
	}
	utt := c.slot.New()
	utt.Interruptible = m.interruptible
	turn := &assistantTurn{utt: utt, cancel: func() {}}
	c.current = turn

	chunks := make(chan string, 1)
	chunks <- text
	close(chunks)
	c.speak(ctx, turn, chunks)
}

// speak runs synthesis on the session context: a barge-in cancels the
// utterance, not the context, so the canceled event is still delivered.
func (c *Controller) speak(ctx context.Context, turn *assistantTurn, chunks <-chan string) {
	events := c.deps.Speaker.Speak(ctx, turn.utt, chunks)
	go func() {
		for ev := range events {
			c.post(speechMsg{turn: turn, ev: ev})
		}
	}()
}

func (c *Controller) onSpeech(ctx context.Context, turn *assistantTurn, ev tts.Event) {
	if turn != c.current {
		return
	}
	state := c.sm.State()
	switch ev.Type {
	case tts.UtteranceStarted:
		if state == StateThinkingAssistant {
			c.transition(StateSpeakingAssistant, ReasonFirstAudio)
		}
	case tts.UtteranceCompleted:
		if state == StateInterrupted {
			// Playback ended while the barge-in was handled; the user
			// still cut in, so the turn counts as canceled.
			turn.utt.Interrupt()
			c.finishTurn(ev, true)
			c.acknowledge(ctx)
			return
		}
		c.finishTurn(ev, false)
		switch state {
		case StateSpeakingAssistant:
			c.transition(StateListeningUser, ReasonUtteranceCompleted)
		case StateThinkingAssistant:
			c.transition(StateListeningUser, ReasonRecovery)
		}
	case tts.UtteranceCanceled:
		c.finishTurn(ev, true)
		if state == StateInterrupted {
			c.acknowledge(ctx)
		}
	case tts.UtteranceFailed:
		turn.cancel()
		c.finishTurn(ev, true)
		c.signal(Signal{Type: SignalSynthesisFailed, Err: ev.Err})
		switch state {
		case StateSpeakingAssistant:
			c.transition(StateListeningUser, ReasonSynthesisFailed)
		case StateThinkingAssistant:
			c.transition(StateListeningUser, ReasonRecovery)
		case StateInterrupted:
			c.acknowledge(ctx)
		}
	}
}

// finishTurn appends what the listener heard of the current utterance.
func (c *Controller) finishTurn(ev tts.Event, truncated bool) {
	turn := c.current
	if turn == nil {
		return
	}
	c.current = nil
	turn.cancel()
	if !turn.bargedAt.IsZero() && !ev.Time.IsZero() {
		c.rec.Latency(metrics.StageTurn, metrics.EventBargeIn, ev.Time.Sub(turn.bargedAt))
	}
	if ev.Type != tts.UtteranceCompleted && ev.Played <= 0 {
		c.logger.Debug("turn_nothing_played", "utterance_id", turn.utt.ID, "event", ev.Type.String())
		return
	}
	text := strings.TrimSpace(ev.Spoken)
	if text == "" {
		return
	}
	c.deps.Context.Append(dialogue.Turn{
		Role:        dialogue.RoleAssistant,
		Text:        text,
		Timestamp:   time.Now(),
		Truncated:   truncated || !ev.Exact,
		UtteranceID: turn.utt.ID,
	})
}

// acknowledge leaves INTERRUPTED and replays finals held meanwhile.
func (c *Controller) acknowledge(ctx context.Context) {
	c.ackC = nil
	if _, err := c.transition(StateListeningUser, ReasonCancelAcknowledged); err != nil {
		return
	}
	if len(c.held) == 0 {
		return
	}
	text := strings.Join(c.held, " ")
	c.held = nil
	c.respondTo(ctx, text)
}

func (c *Controller) onAckTimeout(ctx context.Context) {
	c.ackC = nil
	if c.sm.State() != StateInterrupted {
		return
	}
	turn := c.current
	if turn != nil {
		c.logger.Warn("turn_cancel_ack_timeout", "utterance_id", turn.utt.ID)
		c.finishTurn(tts.Event{Spoken: turn.utt.Text(), Time: time.Now()}, true)
	}
	c.acknowledge(ctx)
}

func (c *Controller) onResult(turn *assistantTurn, res coordinator.Result) {
	if res.Err == nil || res.Canceled {
		return
	}
	c.signal(Signal{Type: SignalGenerationFailed, Err: res.Err})
	if turn == c.current && res.Text == "" && !res.Apology {
		c.logger.Warn("turn_generation_failed_silent", "utterance_id", turn.utt.ID)
	}
}

func (c *Controller) onNoSpeech() {
	c.noSpeechC = nil
	if c.sm.State() != StateListeningUser {
		return
	}
	c.reprompts++
	c.signal(Signal{Type: SignalReprompt, Attempt: c.reprompts})
}

func (c *Controller) signal(s Signal) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	select {
	case c.signals <- s:
	default:
		c.logger.Warn("turn_signal_dropped", "signal", s.Type.String())
	}
}

func (c *Controller) transition(to State, reason string) (StateChange, error) {
	change, err := c.sm.Transition(to, reason)
	if err != nil {
		c.logger.Error("turn_invalid_transition", "error", err)
		return change, err
	}
	c.rec.Record(metrics.Sample{
		Stage: metrics.StageTurn,
		Kind:  metrics.KindCount,
		Name:  metrics.EventTurnState,
		Value: 1,
		Tags:  map[string]string{"from": change.FromState.String(), "to": change.ToState.String(), "reason": reason},
	})
	c.logger.Debug("turn_state_changed", "from", change.FromState.String(), "to", change.ToState.String(), "reason", reason)
	if to == StateListeningUser {
		c.armNoSpeech()
	} else {
		c.disarmNoSpeech()
	}
	return change, nil
}

func (c *Controller) armNoSpeech() {
	c.disarmNoSpeech()
	if c.cfg.NoSpeechTimeout <= 0 {
		return
	}
	c.noSpeech = time.NewTimer(c.cfg.NoSpeechTimeout)
	c.noSpeechC = c.noSpeech.C
}

func (c *Controller) disarmNoSpeech() {
	if c.noSpeech != nil {
		c.noSpeech.Stop()
		c.noSpeech = nil
	}
	c.noSpeechC = nil
}

func (c *Controller) shutdown() {
	c.disarmNoSpeech()
	if turn := c.current; turn != nil {
		turn.cancel()
		_ = turn.utt.Cancel()
		c.current = nil
	}
	if c.sm.State() != StateIdle {
		c.transition(StateIdle, ReasonShutdown)
	}
}
