package observers

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

// UsageSuffix names per-session usage artifacts.
const UsageSuffix = ".usage.json"

type UsageReport struct {
	SessionID     string          `json:"session_id"`
	Participant   string          `json:"participant,omitempty"`
	DurationSec   float64         `json:"duration_seconds"`
	Usage         metrics.Usage   `json:"usage"`
	Summary       metrics.Summary `json:"summary"`
	RecordedAtUTC string          `json:"recorded_at_utc"`
}

// UsageReporter is a session shutdown hook: it logs usage_summary and, when
// dir is set, writes <session>.usage.json.
type UsageReporter struct {
	dir string
	log *slog.Logger
}

func NewUsageReporter(dir string, log *slog.Logger) *UsageReporter {
	if log == nil {
		log = slog.Default()
	}
	return &UsageReporter{dir: strings.TrimSpace(dir), log: log}
}

func (u *UsageReporter) Report(ctx context.Context, participant string, s metrics.Summary) error {
	usage := s.Usage()
	u.log.Info("usage_summary",
		"session_id", s.SessionID,
		"duration_ms", s.Ended.Sub(s.Started).Milliseconds(),
		"stt_audio_seconds", usage.STTAudioSeconds,
		"tts_audio_seconds", usage.TTSAudioSeconds,
		"tts_characters", usage.TTSCharacters,
		"llm_prompt_tokens", usage.LLMPromptTokens,
		"llm_completion_tokens", usage.LLMCompletionTokens,
		"dropped_samples", s.Dropped,
	)
	if u.dir == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	report := UsageReport{
		SessionID:     s.SessionID,
		Participant:   participant,
		DurationSec:   s.Ended.Sub(s.Started).Seconds(),
		Usage:         usage,
		Summary:       s,
		RecordedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(u.dir, sanitizeID(s.SessionID)+UsageSuffix), b, 0o644)
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
