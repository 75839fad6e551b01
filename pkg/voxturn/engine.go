package voxturn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/observers"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/redact"
	"github.com/harunnryd/voxturn/pkg/resilience"
	"github.com/harunnryd/voxturn/pkg/runner"
	"github.com/harunnryd/voxturn/pkg/session"
	"github.com/harunnryd/voxturn/pkg/transports"
	"github.com/harunnryd/voxturn/pkg/vad"
	"golang.org/x/sync/errgroup"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Listener overrides the transport selected by transports.provider.
	Listener transports.Listener
	Logger   *slog.Logger
	// Hooks run after the engine's own session hooks.
	Hooks session.Hooks
}

// Engine owns the process-wide resources and runs one session per room the
// listener accepts.
type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	listener  transports.Listener
	registry  *pipeline.SessionRegistry
	manager   *session.Manager
	runner    *runner.LifecycleRunner
	logger    *slog.Logger

	latency  *observers.LatencyObserver
	timeline *observers.TimelineObserver
	usage    *observers.UsageReporter
	closers  []func() error

	drainTimeout time.Duration
	closeOnce    sync.Once
}

// NewEngine prewarms the VAD model, builds the provider clients once and
// wires the per-session manager. Any configuration problem is returned as a
// configuration_error before serving starts.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("voxturn_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
		"vad_model", cfg.VAD.Model,
	)

	e := &Engine{
		cfg:          cfg,
		providers:    providers,
		registry:     pipeline.NewSessionRegistry(),
		logger:       logging.NewComponentLogger(logger, "engine"),
		latency:      observers.NewLatencyObserver(logger),
		usage:        observers.NewUsageReporter(cfg.Observability.ArtifactsDir, logger),
		drainTimeout: ms(cfg.Session.DrainTimeoutMS),
	}
	if e.drainTimeout <= 0 {
		e.drainTimeout = 20 * time.Second
	}

	model, err := vad.Load(cfg.VADModel())
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("load vad model: %w", err), errorsx.ReasonConfiguration)
	}
	e.logger.Info("vad_model_loaded", "kind", cfg.VAD.Model)

	sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("vendors.stt: %w", err)
	}
	ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("vendors.tts: %w", err)
	}
	adapter, err := providers.BuildLLM(ctx, cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("vendors.llm: %w", err)
	}

	observer, err := e.buildObservers(logger)
	if err != nil {
		return nil, err
	}

	threshold := cfg.Resilience.BreakerThreshold
	cooldown := ms(cfg.Resilience.BreakerCooldownMS)
	guarded := llm.NewCircuitBreakerAdapter(adapter, resilience.NewCircuitBreaker(threshold, cooldown))
	guarded.SetObserver(observer)

	manager, err := session.NewManager(cfg.SessionConfig(), session.Deps{
		VAD:        model,
		STT:        sttFactory,
		TTS:        ttsFactory,
		LLM:        guarded,
		STTBreaker: resilience.NewCircuitBreaker(threshold, cooldown),
		TTSBreaker: resilience.NewCircuitBreaker(threshold, cooldown),
		Observer:   observer,
		Logger:     logger,
	}, e.sessionHooks(opts.Hooks))
	if err != nil {
		return nil, err
	}
	e.manager = manager

	e.listener = opts.Listener
	if e.listener == nil {
		e.listener, err = providers.BuildListener(cfg.Transports.Provider, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("transports: %w", err)
		}
	}

	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, e.drainTimeout+10*time.Second)
	return e, nil
}

// buildObservers assembles the process observer every session reports to
// next to its own aggregator. Sessions queue samples asynchronously, so the
// chain here is synchronous.
func (e *Engine) buildObservers(logger *slog.Logger) (metrics.Observer, error) {
	obs := e.cfg.Observability
	list := []metrics.Observer{e.latency}
	if obs.LogSampleRate > 0 {
		list = append(list, metrics.NewSamplingObserver(observers.NewLoggerObserver(logger), obs.LogSampleRate))
	}
	if path := strings.TrimSpace(obs.MetricsPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("observability.metrics_path: %w", err), errorsx.ReasonConfiguration)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("observability.metrics_path: %w", err), errorsx.ReasonConfiguration)
		}
		list = append(list, metrics.NewJSONLObserver(f))
		e.closers = append(e.closers, f.Close)
	}
	if dir := strings.TrimSpace(obs.ArtifactsDir); dir != "" && obs.Timeline {
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
		e.closers = append(e.closers, e.timeline.Close)
	}
	return observers.NewMultiObserver(list...), nil
}

func (e *Engine) sessionHooks(extra session.Hooks) session.Hooks {
	return session.Hooks{
		OnStart: func(h session.Handle) {
			e.logger.Info("session_admitted", "session_id", h.ID, "room_id", h.RoomID,
				"participant", h.Participant.Identity, "active_sessions", e.registry.Count())
			if extra.OnStart != nil {
				extra.OnStart(h)
			}
		},
		OnStateChange: extra.OnStateChange,
		OnShutdown: func(ctx context.Context, h session.Handle, s metrics.Summary) error {
			e.latency.Forget(h.ID)
			var errs error
			if e.timeline != nil {
				errs = errors.Join(errs, e.timeline.CloseSession(h.ID))
			}
			errs = errors.Join(errs, e.usage.Report(ctx, h.Participant.Identity, s))
			if extra.OnShutdown != nil {
				errs = errors.Join(errs, extra.OnShutdown(ctx, h, s))
			}
			return errs
		},
	}
}

// Run serves until ctx ends, then drains active sessions.
func (e *Engine) Run(ctx context.Context) error {
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" && e.cfg.Observability.RetentionDays > 0 {
		maxAge := time.Duration(e.cfg.Observability.RetentionDays) * 24 * time.Hour
		n, err := observers.PurgeArtifacts(dir, maxAge, observers.UsageSuffix, observers.TimelineSuffix)
		if err != nil {
			e.logger.Warn("artifacts_purge_failed", "dir", dir, "error", err)
		} else if n > 0 {
			e.logger.Info("artifacts_purged", "dir", dir, "removed", n)
		}
	}
	if err := e.listener.Start(ctx); err != nil {
		return errorsx.Wrap(fmt.Errorf("start %s listener: %w", e.listener.Name(), err), errorsx.ReasonTransportConnect)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.accept(gctx)
		return nil
	})
	g.Go(func() error {
		return e.runner.Run(gctx)
	})
	return g.Wait()
}

// Stop drains sessions and releases the listener.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) State() runner.State { return e.runner.State() }

// SetBannerOutput redirects the start-up banner. Nil disables it.
func (e *Engine) SetBannerOutput(w io.Writer) { e.runner.SetBannerOutput(w) }

func (e *Engine) accept(ctx context.Context) {
	rooms := e.listener.Rooms()
	for {
		select {
		case <-ctx.Done():
			return
		case room, ok := <-rooms:
			if !ok {
				return
			}
			e.admit(ctx, room)
		}
	}
}

// admit starts one session. Sessions outlive ctx so that stop can drain
// them instead of cutting every call at once.
func (e *Engine) admit(ctx context.Context, room transports.Room) {
	id := uuid.NewString()
	_, err := e.registry.Start(context.WithoutCancel(ctx), id, room.ID(), func(sctx context.Context) error {
		_, err := e.manager.RunWithID(sctx, id, room)
		if err != nil {
			e.logger.Error("session_failed", "session_id", id, "room_id", room.ID(),
				"reason_code", errorsx.Reason(err), "error", err)
		}
		return err
	})
	if err != nil {
		e.logger.Warn("session_rejected", "room_id", room.ID(), "error", err)
		_ = room.Close()
	}
}

// Drain implements runner.Drainer: no new rooms are admitted, active
// sessions get the drain timeout to finish and are then canceled.
func (e *Engine) Drain() error {
	e.registry.SetDraining(true)
	if err := e.listener.Stop(); err != nil {
		e.logger.Warn("listener_stop_failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.drainTimeout)
	defer cancel()
	if e.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
		return nil
	}
	e.logger.Warn("engine_drain_timeout", "active_sessions", e.registry.Count())
	e.registry.CloseAll()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.registry.WaitForEmpty(ctx, 50*time.Millisecond) {
		return errors.New("sessions still active after cancel")
	}
	return nil
}

func (e *Engine) onStart() {
	fields := []any{"listener", e.listener.Name()}
	if rr, ok := e.listener.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

func (e *Engine) onStop() {
	e.closeOnce.Do(func() {
		for _, c := range e.closers {
			if err := c(); err != nil {
				e.logger.Warn("engine_close_failed", "error", err)
			}
		}
	})
	e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.registry.Count())
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

func (e *Engine) Providers() *ProviderRegistry { return e.providers }

func (e *Engine) Listener() transports.Listener { return e.listener }
