package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/coordinator"
	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/observers"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/resilience"
	"github.com/harunnryd/voxturn/pkg/transports"
	"github.com/harunnryd/voxturn/pkg/turn"
	"github.com/harunnryd/voxturn/pkg/vad"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSystemPrompt = "You are a voice assistant. Your interface with users will be voice. " +
		"You should use short and concise responses, and avoid unpronounceable punctuation."
	DefaultGreeting = "Hi there, how can I help you today?"
)

type RepromptConfig struct {
	Text        string
	MaxAttempts int
}

type Config struct {
	SystemPrompt   string
	Greeting       string
	RecoveryPrompt string
	Language       string
	Reprompt       RepromptConfig
	Bus            pipeline.BusConfig
	VAD            vad.GateConfig
	STT            stt.TranscriberConfig
	TTS            tts.SynthesizerConfig
	Response       coordinator.Config
	Turn           turn.Config
	// MetricsBuffer bounds samples queued for the aggregator.
	MetricsBuffer int
	// ShutdownTimeout bounds the shutdown hook.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Reprompt.MaxAttempts < 0 {
		c.Reprompt.MaxAttempts = 0
	}
	if c.MetricsBuffer <= 0 {
		c.MetricsBuffer = 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Deps are the process-wide resources shared by every session. The VAD
// model is loaded once and used read-only.
type Deps struct {
	VAD        vad.Model
	STT        stt.Factory
	TTS        tts.Factory
	LLM        llm.Adapter
	STTBreaker *resilience.CircuitBreaker
	TTSBreaker *resilience.CircuitBreaker
	// Observer receives every sample next to the session aggregator.
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Handle identifies a running session.
type Handle struct {
	ID          string
	RoomID      string
	Participant transports.Participant
}

type Hooks struct {
	// OnStart runs once the participant joined and the stages are built.
	OnStart func(h Handle)
	// OnShutdown runs exactly once per session with the final summary. Its
	// error is logged, never returned.
	OnShutdown func(ctx context.Context, h Handle, s metrics.Summary) error
	// OnStateChange observes turn transitions.
	OnStateChange func(h Handle, ev turn.StateChange)
}

// Manager runs sessions: one room, one participant, one dialogue.
type Manager struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	base  *slog.Logger
}

func NewManager(cfg Config, deps Deps, hooks Hooks) (*Manager, error) {
	if deps.VAD == nil || deps.STT == nil || deps.TTS == nil || deps.LLM == nil {
		return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "session: vad, stt, tts and llm are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		hooks: hooks,
		base:  logger,
	}, nil
}

// Run drives one session to completion. It returns when the participant
// leaves, ctx ends or the room cannot be joined.
func (m *Manager) Run(ctx context.Context, room transports.Room) (metrics.Summary, error) {
	return m.RunWithID(ctx, uuid.NewString(), room)
}

func (m *Manager) RunWithID(ctx context.Context, id string, room transports.Room) (summary metrics.Summary, err error) {
	h := Handle{ID: id, RoomID: room.ID()}
	base := m.base.With("session_id", id, "room_id", room.ID())
	logger := logging.NewComponentLogger(base, "session")

	agg := metrics.NewAggregator(id)
	async := metrics.NewAsyncObserver(observers.NewMultiObserver(agg, m.deps.Observer), m.cfg.MetricsBuffer)
	rec := metrics.NewRecorder(async, map[string]string{"session_id": id})

	var once sync.Once
	finish := func() {
		once.Do(func() {
			_ = room.Close()
			async.Close()
			summary = agg.Summarize(async.Dropped())
			m.shutdown(h, summary, logger)
		})
	}
	defer finish()

	if err := room.Connect(ctx, transports.ConnectOptions{AudioOnly: true}); err != nil {
		logger.Error("session_connect_failed", "reason_code", errorsx.ReasonTransportConnect, "error", err)
		return summary, errorsx.Wrap(fmt.Errorf("session %s: connect: %w", id, err), errorsx.ReasonTransportConnect)
	}
	p, err := room.AwaitParticipant(ctx)
	if err != nil {
		logger.Info("session_ended_before_participant", "error", err)
		return summary, nil
	}
	h.Participant = p
	base = base.With("participant", p.Identity)
	logger = logger.With("participant", p.Identity)
	logger.Info("session_started")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	room.OnParticipantDisconnected(func(who transports.Participant, reason string) {
		logger.Info("session_participant_left", "reason", reason)
		cancel()
	})

	st := m.build(id, room, rec, base, logger)
	st.ctrl.AddListener(turn.ListenerFunc(func(ev turn.StateChange) {
		if m.hooks.OnStateChange != nil {
			m.hooks.OnStateChange(h, ev)
		}
	}))
	if m.hooks.OnStart != nil {
		m.hooks.OnStart(h)
	}

	err = st.run(sessCtx, cancel)
	logger.Info("session_ended", "error", err)
	return summary, err
}

func (m *Manager) shutdown(h Handle, s metrics.Summary, logger *slog.Logger) {
	if m.hooks.OnShutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session_shutdown_hook_panic", "panic", fmt.Sprint(r))
		}
	}()
	if err := m.hooks.OnShutdown(ctx, h, s); err != nil {
		logger.Error("session_shutdown_hook_failed", "error", err)
	}
}

// stages are the per-session pipeline components.
type stages struct {
	cfg    Config
	room   transports.Room
	bus    *pipeline.Bus
	gate   *vad.Gate
	ctrl   *turn.Controller
	logger *slog.Logger
	rec    *metrics.Recorder
}

func (m *Manager) build(id string, room transports.Room, rec *metrics.Recorder, base, logger *slog.Logger) *stages {
	codec, rate := room.OutputFormat()
	bus := pipeline.NewBus(m.cfg.Bus, rec, logging.NewComponentLogger(base, "bus"))

	gate := vad.NewGate(m.deps.VAD, m.cfg.VAD,
		vad.WithRecorder(rec),
		vad.WithLogger(logging.NewComponentLogger(base, "vad")),
		vad.WithSlot(dialogue.NewSlot(dialogue.SourceUser)),
		vad.WithFaultHandler(func(err error) {
			logger.Warn("session_vad_degraded", "reason_code", errorsx.ReasonClassifierFault, "error", err)
		}),
	)

	sttCfg := m.cfg.STT
	sttCfg.Provider.StreamID = room.ID()
	sttCfg.Provider.SessionID = id
	if sttCfg.Provider.SampleRate == 0 {
		sttCfg.Provider.SampleRate = rate
	}
	if sttCfg.Provider.Encoding == "" {
		sttCfg.Provider.Encoding = encodingName(codec)
	}
	if sttCfg.Provider.Language == "" {
		sttCfg.Provider.Language = m.cfg.Language
	}
	transcriber := stt.NewTranscriber(m.deps.STT, sttCfg, m.deps.STTBreaker, rec, logging.NewComponentLogger(base, "stt"))

	ttsCfg := m.cfg.TTS
	ttsCfg.Provider.StreamID = room.ID()
	ttsCfg.Provider.SessionID = id
	if ttsCfg.Provider.Codec == "" {
		ttsCfg.Provider.Codec = codec
	}
	if ttsCfg.Provider.SampleRate == 0 {
		ttsCfg.Provider.SampleRate = rate
	}
	synth := tts.NewSynthesizer(m.deps.TTS, bus, ttsCfg, m.deps.TTSBreaker, rec, logging.NewComponentLogger(base, "tts"))

	coord := coordinator.New(m.deps.LLM, m.cfg.Response, rec, logging.NewComponentLogger(base, "coordinator"))

	ctrl := turn.NewController(m.cfg.Turn, turn.Deps{
		Transcriber: transcriber,
		Responder:   coord,
		Speaker:     synth,
		Playback:    &playback{bus: bus, room: room},
		Context:     dialogue.NewContext(m.cfg.SystemPrompt),
		Recorder:    rec,
		Logger:      base,
	})
	return &stages{cfg: m.cfg, room: room, bus: bus, gate: gate, ctrl: ctrl, logger: logger, rec: rec}
}

// run supervises the stages. Any stage ending ends the session.
func (s *stages) run(ctx context.Context, cancel context.CancelFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	events, err := s.gate.Run(gctx, s.bus.Inbound())
	if err != nil {
		return err
	}

	g.Go(func() error {
		<-gctx.Done()
		s.bus.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.ingest(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.ctrl.Run(gctx, events)
	})
	g.Go(func() error {
		return s.playout(gctx)
	})
	g.Go(func() error {
		s.policy(gctx)
		return nil
	})

	s.ctrl.ParticipantJoined()
	if s.cfg.Greeting != "" {
		s.ctrl.Say(s.cfg.Greeting, false)
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingest moves transport audio onto the bus until the room closes.
func (s *stages) ingest(ctx context.Context) error {
	audio := s.room.Audio()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-audio:
			if !ok {
				return nil
			}
			if _, err := s.bus.PublishInbound(ctx, f); err != nil {
				if errors.Is(err, pipeline.ErrBusClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *stages) playout(ctx context.Context) error {
	out := s.bus.Outbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-out:
			if !ok {
				return nil
			}
			if err := s.room.SendAudio(ctx, f); err != nil {
				if errors.Is(err, transports.ErrRoomClosed) || ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("session_send_audio_failed", "reason_code", errorsx.Reason(err), "error", err)
			}
		}
	}
}

// policy turns controller signals into audible behavior.
func (s *stages) policy(ctx context.Context) {
	signals := s.ctrl.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			switch sig.Type {
			case turn.SignalReprompt:
				if s.cfg.Reprompt.Text == "" {
					continue
				}
				if sig.Attempt > s.cfg.Reprompt.MaxAttempts {
					s.logger.Debug("session_reprompt_exhausted", "attempt", sig.Attempt)
					continue
				}
				s.logger.Info("session_reprompt", "attempt", sig.Attempt)
				s.ctrl.Say(s.cfg.Reprompt.Text, true)
			case turn.SignalTranscriptionFailed:
				s.rec.Count(metrics.StageSession, metrics.EventTranscriptionFailed)
				if s.cfg.RecoveryPrompt != "" {
					s.ctrl.Say(s.cfg.RecoveryPrompt, true)
				}
			case turn.SignalGenerationFailed, turn.SignalSynthesisFailed:
				s.logger.Warn("session_turn_failed", "signal", sig.Type.String(), "reason_code", errorsx.Reason(sig.Err), "error", sig.Err)
			}
		}
	}
}

// playback flushes queued audio locally and at the far end.
type playback struct {
	bus  *pipeline.Bus
	room transports.Room
}

func (p *playback) Flush(ctx context.Context) error {
	p.bus.FlushOutbound()
	return p.room.ClearAudio(ctx)
}

func encodingName(c frames.Codec) string {
	switch c {
	case frames.CodecULaw:
		return "mulaw"
	case frames.CodecALaw:
		return "alaw"
	default:
		return "linear16"
	}
}
