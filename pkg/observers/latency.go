package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

// LatencyObserver logs one line per assistant reply: the transcript latency,
// the model's first token and the first synthesized audio, plus the gap
// between the final transcript and first audio.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sttFinal    time.Time
	sttMS       float64
	llmFirstMS  float64
	ttsFirstMS  float64
	hasLLMFirst bool
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) Record(s metrics.Sample) {
	if s.Kind != metrics.KindLatency {
		return
	}
	sessionID := s.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	switch {
	case s.Stage == metrics.StageSTT && s.Name == metrics.EventFinalTranscript:
		o.traces[sessionID] = &trace{sttFinal: s.Time, sttMS: s.Value}
	case t == nil:
		return
	case s.Stage == metrics.StageLLM && s.Name == metrics.EventFirstToken:
		t.llmFirstMS = s.Value
		t.hasLLMFirst = true
	case s.Stage == metrics.StageTTS && s.Name == metrics.EventFirstAudio:
		t.ttsFirstMS = s.Value
		o.logTTFBLocked(sessionID, t, s.Time)
		delete(o.traces, sessionID)
	}
}

// Forget drops any partial trace of a finished session.
func (o *LatencyObserver) Forget(sessionID string) {
	o.mu.Lock()
	delete(o.traces, sessionID)
	o.mu.Unlock()
}

func (o *LatencyObserver) logTTFBLocked(sessionID string, t *trace, firstAudio time.Time) {
	llm := -1.0
	if t.hasLLMFirst {
		llm = t.llmFirstMS
	}
	o.log.Info("latency",
		"session_id", sessionID,
		"stt_ms", int64(t.sttMS),
		"llm_first_token_ms", int64(llm),
		"tts_first_audio_ms", int64(t.ttsFirstMS),
		"ttfb_ms", durationMs(t.sttFinal, firstAudio),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
