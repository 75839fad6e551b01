package voxturn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxturn.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("VOXTURN_TEST_DG_KEY", "dg-secret")
	t.Setenv("VOXTURN_TEST_GREETING", "Hi there")
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${VOXTURN_TEST_DG_KEY}
  tts:
    provider: mock
  llm:
    provider: mock
session:
  greeting: ${VOXTURN_TEST_GREETING}
turn:
  reprompt:
    text: Are you still there?
    max_attempts: 2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-secret" {
		t.Fatalf("expected expanded api_key, got %v", got)
	}
	if cfg.Session.Greeting != "Hi there" {
		t.Fatalf("expected expanded greeting, got %q", cfg.Session.Greeting)
	}
	if cfg.VAD.Model != "energy" || cfg.VAD.MinSilenceMS != 500 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.VAD)
	}
	if cfg.Bus.Backpressure != pipeline.BackpressureDrop {
		t.Fatalf("expected drop backpressure, got %q", cfg.Bus.Backpressure)
	}
	if cfg.Response.SystemPrompt != session.DefaultSystemPrompt {
		t.Fatalf("expected default system prompt")
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected redaction on by default")
	}
	if cfg.Turn.Reprompt.MaxAttempts != 2 {
		t.Fatalf("expected reprompt attempts 2, got %d", cfg.Turn.Reprompt.MaxAttempts)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing transport": `
vendors:
  stt: {provider: mock}
  tts: {provider: mock}
  llm: {provider: mock}
`,
		"missing llm": `
transports: {provider: mock}
vendors:
  stt: {provider: mock}
  tts: {provider: mock}
`,
		"bad backpressure": `
transports: {provider: mock}
vendors:
  stt: {provider: mock}
  tts: {provider: mock}
  llm: {provider: mock}
bus:
  backpressure: block
`,
		"chunk bounds": `
transports: {provider: mock}
vendors:
  stt: {provider: mock}
  tts: {provider: mock}
  llm: {provider: mock}
response:
  min_chunk_chars: 300
  max_chunk_chars: 100
`,
		"sample rate": `
transports: {provider: mock}
vendors:
  stt: {provider: mock}
  tts: {provider: mock}
  llm: {provider: mock}
observability:
  log_sample_rate: 1.5
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
				t.Fatalf("expected configuration_error, got %v", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration_error, got %v", err)
	}
}

func TestSessionConfigMapsMilliseconds(t *testing.T) {
	cfg := Config{
		VAD:      VADConfig{MinSpeechMS: 200, MinSilenceMS: 500, PreRollMS: 300},
		STT:      STTConfig{MaxRetries: 4, RetryBackoffMS: 150, FinalTimeoutMS: 1500, Language: "id-ID"},
		TTS:      TTSConfig{MaxAheadMS: 400, FrameMS: 20, BufferFrames: 32},
		Turn:     TurnConfig{CancelAckTimeoutMS: 2000, Reprompt: RepromptConfig{Text: "Still there?", MaxAttempts: 1}},
		Response: ResponseConfig{RetryDelayMS: 250, Replacements: map[string]string{"AI": "A.I."}},
		Bus:      BusConfig{Backpressure: pipeline.BackpressureWait},
		Session:  SessionConfig{Greeting: "Hello", ShutdownTimeoutMS: 5000},
	}
	sc := cfg.SessionConfig()
	if sc.VAD.MinSilence != 500*time.Millisecond || sc.VAD.PreRoll != 300*time.Millisecond {
		t.Fatalf("unexpected vad durations: %+v", sc.VAD)
	}
	if sc.STT.MaxAttempts != 4 || sc.STT.BaseDelay != 150*time.Millisecond {
		t.Fatalf("unexpected stt config: %+v", sc.STT)
	}
	if sc.TTS.Provider.BufferFrames != 32 || sc.TTS.MaxAhead != 400*time.Millisecond {
		t.Fatalf("unexpected tts config: %+v", sc.TTS)
	}
	if sc.Turn.CancelAckTimeout != 2*time.Second {
		t.Fatalf("unexpected cancel ack timeout %v", sc.Turn.CancelAckTimeout)
	}
	if sc.Reprompt.Text != "Still there?" || sc.Reprompt.MaxAttempts != 1 {
		t.Fatalf("unexpected reprompt: %+v", sc.Reprompt)
	}
	if sc.Language != "id-ID" || sc.Greeting != "Hello" || sc.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected session fields: %+v", sc)
	}
	if sc.Response.Replacements["AI"] != "A.I." {
		t.Fatalf("expected replacements to carry over")
	}
}
