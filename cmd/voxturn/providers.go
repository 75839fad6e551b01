package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/configutil"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/providers/deepgram"
	"github.com/harunnryd/voxturn/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxturn/pkg/providers/gemini"
	"github.com/harunnryd/voxturn/pkg/providers/mock"
	"github.com/harunnryd/voxturn/pkg/providers/openai"
	"github.com/harunnryd/voxturn/pkg/transports"
	mocktransport "github.com/harunnryd/voxturn/pkg/transports/mock"
	twiliotransport "github.com/harunnryd/voxturn/pkg/transports/twilio"
	"github.com/harunnryd/voxturn/pkg/voxturn"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type mockSTTSettings struct {
	Transcripts  []string `mapstructure:"transcripts"`
	Interim      string   `mapstructure:"interim"`
	FailStarts   int      `mapstructure:"fail_starts"`
	ErrorMessage string   `mapstructure:"error_message"`
}

type mockTTSSettings struct {
	MsPerChar       int   `mapstructure:"ms_per_char"`
	Alignment       *bool `mapstructure:"alignment"`
	FailStarts      int   `mapstructure:"fail_starts"`
	FailAfterChunks int   `mapstructure:"fail_after_chunks"`
}

type mockLLMSettings struct {
	Responses []string `mapstructure:"responses"`
	FailCalls int      `mapstructure:"fail_calls"`
	// ChunkDelay accepts duration strings such as "40ms".
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

func registerProviders(reg *voxturn.ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg voxturn.Config, logger *slog.Logger) (stt.Factory, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "interim", "smart_format", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := decodeSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, errorsx.Errorf(errorsx.ReasonConfiguration,
				"vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		return deepgram.NewFactory(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			Interim:        configutil.BoolValue(settings.Interim, true),
			SmartFormat:    configutil.BoolValue(settings.SmartFormat, true),
			UtteranceEndMS: utteranceEnd,
		}, logger), nil
	})

	reg.RegisterSTT("mock", func(cfg voxturn.Config, logger *slog.Logger) (stt.Factory, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcripts", "interim", "fail_starts", "error_message"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := decodeSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if len(settings.Transcripts) == 0 {
			settings.Transcripts = []string{"hello"}
		}
		return mock.NewSTT(mock.STTConfig{
			Transcripts:  settings.Transcripts,
			Interim:      settings.Interim,
			FailStarts:   settings.FailStarts,
			ErrorMessage: settings.ErrorMessage,
		}).Factory(), nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg voxturn.Config, logger *slog.Logger) (tts.Factory, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{
				"voice_id", "model_id", "output_format", "base_url", "stability", "similarity_boost", "style",
				"use_speaker_boost", "streaming_latency", "enable_ssml_parsing", "chunk_length_schedule", "keepalive",
			},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabs.Config
		if err := decodeSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := elevenlabs.ValidateOutputFormat(settings.OutputFormat); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		return elevenlabs.NewFactory(settings, logger), nil
	})

	reg.RegisterTTS("mock", func(cfg voxturn.Config, logger *slog.Logger) (tts.Factory, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"ms_per_char", "alignment", "fail_starts", "fail_after_chunks"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := decodeSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if settings.MsPerChar <= 0 {
			settings.MsPerChar = 60
		}
		return mock.NewTTS(mock.TTSConfig{
			MsPerChar:       settings.MsPerChar,
			Alignment:       configutil.BoolValue(settings.Alignment, true),
			FailStarts:      settings.FailStarts,
			FailAfterChunks: settings.FailAfterChunks,
		}).Factory(), nil
	})

	reg.RegisterLLM("gemini", func(ctx context.Context, cfg voxturn.Config) (llm.Adapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"api_key", "project", "location", "model", "temperature", "max_output_tokens"},
		}); err != nil {
			return nil, err
		}
		var settings gemini.Config
		if err := decodeSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return gemini.NewAdapter(ctx, settings)
	})

	reg.RegisterLLM("openai", func(ctx context.Context, cfg voxturn.Config) (llm.Adapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "temperature", "max_tokens", "timeout"},
		}); err != nil {
			return nil, err
		}
		var settings openai.Config
		if err := decodeSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.NewAdapter(settings), nil
	})

	reg.RegisterLLM("mock", func(ctx context.Context, cfg voxturn.Config) (llm.Adapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"responses", "fail_calls", "chunk_delay"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := decodeSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if len(settings.Responses) == 0 {
			settings.Responses = []string{"Sure, I can help with that."}
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			Responses:  settings.Responses,
			FailCalls:  settings.FailCalls,
			ChunkDelay: settings.ChunkDelay,
		}), nil
	})

	reg.RegisterListener("twilio", func(cfg voxturn.Config, logger *slog.Logger) (transports.Listener, error) {
		settings, err := twilioSettings(cfg)
		if err != nil {
			return nil, err
		}
		return twiliotransport.New(settings), nil
	})

	reg.RegisterListener("mock", func(cfg voxturn.Config, logger *slog.Logger) (transports.Listener, error) {
		return mocktransport.NewListener(), nil
	})
}

func twilioSettings(cfg voxturn.Config) (twiliotransport.Config, error) {
	if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Required: []string{"account_sid", "auth_token"},
		Optional: []string{
			"public_url", "server_addr", "voice_path", "ws_path", "status_callback_path",
			"allow_any_origin", "allowed_origins", "inbound_buffer",
		},
	}); err != nil {
		return twiliotransport.Config{}, err
	}
	var settings twiliotransport.Config
	if err := decodeSettings("transports.settings", cfg.Transports.Settings, &settings); err != nil {
		return twiliotransport.Config{}, err
	}
	if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
		return twiliotransport.Config{}, err
	}
	if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
		return twiliotransport.Config{}, err
	}
	return settings, nil
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func decodeSettings(path string, input map[string]any, out any) error {
	if err := configutil.DecodeSettings(input, out); err != nil {
		return errorsx.Wrap(fmt.Errorf("%s: %w", path, err), errorsx.ReasonConfiguration)
	}
	return nil
}
