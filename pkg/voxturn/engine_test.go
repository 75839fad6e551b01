package voxturn

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/observers"
	"github.com/harunnryd/voxturn/pkg/providers/mock"
	"github.com/harunnryd/voxturn/pkg/runner"
	"github.com/harunnryd/voxturn/pkg/session"
	"github.com/harunnryd/voxturn/pkg/transports"
	mocktransport "github.com/harunnryd/voxturn/pkg/transports/mock"
	"github.com/harunnryd/voxturn/pkg/vad"
)

const engineWait = 5 * time.Second

func testEngineConfig(dir string) Config {
	return Config{
		Transports: TransportsConfig{Provider: "mock"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		},
		VAD:     VADConfig{Model: "energy", ThresholdDBFS: vad.DefaultThresholdDBFS, MinSpeechMS: 60, MinSilenceMS: 200},
		STT:     STTConfig{MaxRetries: 2, RetryBackoffMS: 5, FinalTimeoutMS: 300},
		Session: SessionConfig{Greeting: "Hello there.", DrainTimeoutMS: 2000},
		Observability: ObservabilityConfig{
			ArtifactsDir: dir,
			MetricsPath:  filepath.Join(dir, "metrics.jsonl"),
			Timeline:     true,
		},
	}
}

func testProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("mock", func(cfg Config, logger *slog.Logger) (stt.Factory, error) {
		return mock.NewSTT(mock.STTConfig{Transcripts: []string{"hello"}}).Factory(), nil
	})
	reg.RegisterTTS("mock", func(cfg Config, logger *slog.Logger) (tts.Factory, error) {
		return mock.NewTTS(mock.TTSConfig{MsPerChar: 5, Alignment: true}).Factory(), nil
	})
	reg.RegisterLLM("mock", func(ctx context.Context, cfg Config) (llm.Adapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{Responses: []string{"Sure."}}), nil
	})
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineServesRoomAndWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	listener := mocktransport.NewListener()

	var (
		mu        sync.Mutex
		summaries []metrics.Summary
	)
	engine, err := NewEngine(context.Background(), EngineOptions{
		Config:    testEngineConfig(dir),
		Providers: testProviders(),
		Listener:  listener,
		Logger:    quietLogger(),
		Hooks: session.Hooks{
			OnShutdown: func(ctx context.Context, h session.Handle, s metrics.Summary) error {
				mu.Lock()
				summaries = append(summaries, s)
				mu.Unlock()
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetBannerOutput(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	room := mocktransport.NewRoom("room-1")
	room.Join(transports.Participant{Identity: "caller"})
	listener.Offer(room)

	select {
	case <-room.Sent():
	case <-time.After(engineWait):
		t.Fatalf("expected greeting audio")
	}
	if engine.Registry().Count() != 1 {
		t.Fatalf("expected one active session, got %d", engine.Registry().Count())
	}

	room.Leave("hangup")
	waitEmpty, stopWait := context.WithTimeout(context.Background(), engineWait)
	defer stopWait()
	if !engine.Registry().WaitForEmpty(waitEmpty, 10*time.Millisecond) {
		t.Fatalf("session did not end after hangup")
	}

	mu.Lock()
	n := len(summaries)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one shutdown summary, got %d", n)
	}
	usage, _ := filepath.Glob(filepath.Join(dir, "*"+observers.UsageSuffix))
	if len(usage) != 1 {
		t.Fatalf("expected one usage artifact, got %v", usage)
	}
	timeline, _ := filepath.Glob(filepath.Join(dir, "*"+observers.TimelineSuffix))
	if len(timeline) != 1 {
		t.Fatalf("expected one timeline artifact, got %v", timeline)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(engineWait):
		t.Fatalf("engine did not stop")
	}
	if engine.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %s", engine.State())
	}
	if !engine.Registry().Draining() {
		t.Fatalf("expected registry to refuse new sessions after stop")
	}
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testEngineConfig(t.TempDir())
	cfg.Vendors.TTS.Provider = "polly"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: testProviders(),
		Listener:  mocktransport.NewListener(),
		Logger:    quietLogger(),
	})
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration_error, got %v", err)
	}
}

func TestNewEngineRejectsUnknownVADModel(t *testing.T) {
	cfg := testEngineConfig(t.TempDir())
	cfg.VAD.Model = "silero"
	_, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: testProviders(),
		Listener:  mocktransport.NewListener(),
		Logger:    quietLogger(),
	})
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration_error, got %v", err)
	}
}

func TestEngineDrainCancelsLingeringSessions(t *testing.T) {
	cfg := testEngineConfig(t.TempDir())
	cfg.Session.DrainTimeoutMS = 50
	listener := mocktransport.NewListener()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Config:    cfg,
		Providers: testProviders(),
		Listener:  listener,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetBannerOutput(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	room := mocktransport.NewRoom("room-2")
	room.Join(transports.Participant{Identity: "caller"})
	listener.Offer(room)
	select {
	case <-room.Sent():
	case <-time.After(engineWait):
		t.Fatalf("expected greeting audio")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * engineWait):
		t.Fatalf("engine did not stop")
	}
	if engine.Registry().Count() != 0 {
		t.Fatalf("expected sessions canceled, got %d", engine.Registry().Count())
	}
}
