package voxturn

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/coordinator"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/session"
	"github.com/harunnryd/voxturn/pkg/turn"
	"github.com/harunnryd/voxturn/pkg/vad"
	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	VAD           VADConfig           `mapstructure:"vad"`
	STT           STTConfig           `mapstructure:"stt"`
	TTS           TTSConfig           `mapstructure:"tts"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Response      ResponseConfig      `mapstructure:"response"`
	Bus           BusConfig           `mapstructure:"bus"`
	Session       SessionConfig       `mapstructure:"session"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VADConfig struct {
	Model             string  `mapstructure:"model"`
	ThresholdDBFS     float64 `mapstructure:"threshold_dbfs"`
	MinSpeechMS       int     `mapstructure:"min_speech_ms"`
	MinSilenceMS      int     `mapstructure:"min_silence_ms"`
	PreRollMS         int     `mapstructure:"pre_roll_ms"`
	FallbackSegmentMS int     `mapstructure:"fallback_segment_ms"`
	SegmentBuffer     int     `mapstructure:"segment_buffer"`
}

type STTConfig struct {
	// MaxRetries is the number of connection attempts per segment.
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
	FinalTimeoutMS int    `mapstructure:"final_timeout_ms"`
	Language       string `mapstructure:"language"`
}

type TTSConfig struct {
	MaxAheadMS    int `mapstructure:"max_ahead_ms"`
	FrameMS       int `mapstructure:"frame_ms"`
	BufferFrames  int `mapstructure:"buffer_frames"`
	StartAttempts int `mapstructure:"start_attempts"`
}

type TurnConfig struct {
	NoSpeechTimeoutMS  int            `mapstructure:"no_speech_timeout_ms"`
	CancelAckTimeoutMS int            `mapstructure:"cancel_ack_timeout_ms"`
	Reprompt           RepromptConfig `mapstructure:"reprompt"`
}

type RepromptConfig struct {
	Text        string `mapstructure:"text"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type ResponseConfig struct {
	SystemPrompt  string            `mapstructure:"system_prompt"`
	MinChunkChars int               `mapstructure:"min_chunk_chars"`
	MaxChunkChars int               `mapstructure:"max_chunk_chars"`
	ApologyText   string            `mapstructure:"apology_text"`
	RetryDelayMS  int               `mapstructure:"retry_delay_ms"`
	Replacements  map[string]string `mapstructure:"replacements"`
}

type BusConfig struct {
	InboundCapacity  int    `mapstructure:"inbound_capacity"`
	OutboundCapacity int    `mapstructure:"outbound_capacity"`
	Backpressure     string `mapstructure:"backpressure"`
}

type SessionConfig struct {
	Greeting          string `mapstructure:"greeting"`
	RecoveryPrompt    string `mapstructure:"recovery_prompt"`
	MetricsBuffer     int    `mapstructure:"metrics_buffer"`
	ShutdownTimeoutMS int    `mapstructure:"shutdown_timeout_ms"`
	// DrainTimeoutMS bounds how long stop waits for active sessions.
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type ResilienceConfig struct {
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsPath appends every sample as JSON lines when set.
	MetricsPath string `mapstructure:"metrics_path"`
	// Timeline writes a per-session sample timeline under ArtifactsDir.
	Timeline bool `mapstructure:"timeline"`
	// LogSampleRate is the fraction of samples logged at debug level.
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfiguration)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfiguration)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("vad.model", "energy")
	v.SetDefault("vad.threshold_dbfs", vad.DefaultThresholdDBFS)
	v.SetDefault("vad.min_speech_ms", 200)
	v.SetDefault("vad.min_silence_ms", 500)
	v.SetDefault("vad.pre_roll_ms", 300)
	v.SetDefault("vad.fallback_segment_ms", 5000)
	v.SetDefault("vad.segment_buffer", 256)
	v.SetDefault("stt.max_retries", 3)
	v.SetDefault("stt.retry_backoff_ms", 200)
	v.SetDefault("stt.final_timeout_ms", 1500)
	v.SetDefault("stt.language", "en-US")
	v.SetDefault("tts.max_ahead_ms", 400)
	v.SetDefault("tts.frame_ms", 20)
	v.SetDefault("tts.buffer_frames", 64)
	v.SetDefault("tts.start_attempts", 2)
	v.SetDefault("turn.no_speech_timeout_ms", 0)
	v.SetDefault("turn.cancel_ack_timeout_ms", 2000)
	v.SetDefault("turn.reprompt.max_attempts", 0)
	v.SetDefault("response.system_prompt", session.DefaultSystemPrompt)
	v.SetDefault("response.min_chunk_chars", 20)
	v.SetDefault("response.max_chunk_chars", 200)
	v.SetDefault("response.apology_text", coordinator.DefaultApology)
	v.SetDefault("response.retry_delay_ms", 250)
	v.SetDefault("bus.inbound_capacity", 256)
	v.SetDefault("bus.outbound_capacity", 64)
	v.SetDefault("bus.backpressure", pipeline.BackpressureDrop)
	v.SetDefault("session.greeting", session.DefaultGreeting)
	v.SetDefault("session.metrics_buffer", 1024)
	v.SetDefault("session.shutdown_timeout_ms", 5000)
	v.SetDefault("session.drain_timeout_ms", 20000)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 10000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.log_sample_rate", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "vendors.llm.provider is required")
	}
	switch c.Bus.Backpressure {
	case "", pipeline.BackpressureDrop, pipeline.BackpressureWait:
	default:
		return errorsx.Errorf(errorsx.ReasonConfiguration, "bus.backpressure must be %q or %q, got %q",
			pipeline.BackpressureDrop, pipeline.BackpressureWait, c.Bus.Backpressure)
	}
	if c.Turn.Reprompt.MaxAttempts < 0 {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "turn.reprompt.max_attempts must not be negative")
	}
	if c.Response.MaxChunkChars > 0 && c.Response.MinChunkChars > c.Response.MaxChunkChars {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "response.min_chunk_chars exceeds response.max_chunk_chars")
	}
	if c.Observability.LogSampleRate < 0 || c.Observability.LogSampleRate > 1 {
		return errorsx.Errorf(errorsx.ReasonConfiguration, "observability.log_sample_rate must be within [0, 1]")
	}
	return nil
}

// SessionConfig maps the file layout onto the per-session runtime config.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		SystemPrompt:   c.Response.SystemPrompt,
		Greeting:       c.Session.Greeting,
		RecoveryPrompt: c.Session.RecoveryPrompt,
		Language:       c.STT.Language,
		Reprompt: session.RepromptConfig{
			Text:        c.Turn.Reprompt.Text,
			MaxAttempts: c.Turn.Reprompt.MaxAttempts,
		},
		Bus: pipeline.BusConfig{
			InboundCapacity:  c.Bus.InboundCapacity,
			OutboundCapacity: c.Bus.OutboundCapacity,
			Backpressure:     c.Bus.Backpressure,
		},
		VAD: vad.GateConfig{
			MinSpeech:       ms(c.VAD.MinSpeechMS),
			MinSilence:      ms(c.VAD.MinSilenceMS),
			PreRoll:         ms(c.VAD.PreRollMS),
			FallbackSegment: ms(c.VAD.FallbackSegmentMS),
			SegmentBuffer:   c.VAD.SegmentBuffer,
		},
		STT: stt.TranscriberConfig{
			MaxAttempts:  c.STT.MaxRetries,
			BaseDelay:    ms(c.STT.RetryBackoffMS),
			FinalTimeout: ms(c.STT.FinalTimeoutMS),
		},
		TTS: tts.SynthesizerConfig{
			MaxAhead:      ms(c.TTS.MaxAheadMS),
			FrameDuration: ms(c.TTS.FrameMS),
			StartAttempts: c.TTS.StartAttempts,
			Provider:      tts.Config{BufferFrames: c.TTS.BufferFrames},
		},
		Response: coordinator.Config{
			MinChunkChars: c.Response.MinChunkChars,
			MaxChunkChars: c.Response.MaxChunkChars,
			ApologyText:   c.Response.ApologyText,
			RetryDelay:    ms(c.Response.RetryDelayMS),
			Replacements:  c.Response.Replacements,
		},
		Turn: turn.Config{
			NoSpeechTimeout:  ms(c.Turn.NoSpeechTimeoutMS),
			CancelAckTimeout: ms(c.Turn.CancelAckTimeoutMS),
		},
		MetricsBuffer:   c.Session.MetricsBuffer,
		ShutdownTimeout: ms(c.Session.ShutdownTimeoutMS),
	}
}

func (c Config) VADModel() vad.ModelConfig {
	return vad.ModelConfig{Kind: c.VAD.Model, ThresholdDBFS: c.VAD.ThresholdDBFS}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
