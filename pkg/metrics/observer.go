package metrics

import "time"

// Kind classifies what a sample measures.
type Kind string

const (
	KindLatency       Kind = "latency"
	KindTokens        Kind = "tokens"
	KindAudioDuration Kind = "audio_duration"
	KindCostUnit      Kind = "cost_unit"
	KindCount         Kind = "count"
)

// Stages that produce samples.
const (
	StageTransport = "transport"
	StageBus       = "bus"
	StageVAD       = "vad"
	StageSTT       = "stt"
	StageTurn      = "turn"
	StageLLM       = "llm"
	StageTTS       = "tts"
	StageSession   = "session"
)

// Sample names with a fixed meaning across stages.
const (
	EventClassifierFault     = "classifier_fault"
	EventTranscriptionFailed = "transcription_failed"
	EventGenerationFailed    = "generation_failed"
	EventSynthesisFailed     = "synthesis_failed"
	EventBargeIn             = "barge_in"
	EventBreakerDenied       = "breaker_denied"
	EventBreakerOpen         = "breaker_open"
	EventRateLimit           = "rate_limit"
	EventRetry               = "retry"
	EventInboundDropped      = "inbound_dropped"
	EventOutboundFlushed     = "outbound_flushed"
	EventFirstToken          = "first_token"
	EventFirstAudio          = "first_audio"
	EventFinalTranscript     = "final_transcript"
	EventTurnState           = "turn_state"
	EventTranscriptDropped   = "transcript_dropped"
)

// Sample is one append-only measurement. Value is milliseconds for latency,
// seconds for audio duration and a plain count otherwise.
type Sample struct {
	Stage string
	Kind  Kind
	Name  string
	Value float64
	Time  time.Time
	Tags  map[string]string
}

type Observer interface {
	Record(s Sample)
}

type NoopObserver struct{}

func (NoopObserver) Record(Sample) {}

// Recorder stamps samples with shared tags before handing them to an Observer.
type Recorder struct {
	obs  Observer
	tags map[string]string
}

func NewRecorder(obs Observer, tags map[string]string) *Recorder {
	if obs == nil {
		obs = NoopObserver{}
	}
	return &Recorder{obs: obs, tags: tags}
}

func (r *Recorder) Record(s Sample) {
	if r == nil {
		return
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	if len(r.tags) > 0 {
		merged := make(map[string]string, len(r.tags)+len(s.Tags))
		for k, v := range r.tags {
			merged[k] = v
		}
		for k, v := range s.Tags {
			merged[k] = v
		}
		s.Tags = merged
	}
	r.obs.Record(s)
}

func (r *Recorder) Count(stage, name string) {
	r.Record(Sample{Stage: stage, Kind: KindCount, Name: name, Value: 1})
}

func (r *Recorder) Latency(stage, name string, d time.Duration) {
	r.Record(Sample{Stage: stage, Kind: KindLatency, Name: name, Value: float64(d) / float64(time.Millisecond)})
}

func (r *Recorder) Audio(stage, name string, d time.Duration) {
	r.Record(Sample{Stage: stage, Kind: KindAudioDuration, Name: name, Value: d.Seconds()})
}

func (r *Recorder) Tokens(stage, name string, n int) {
	r.Record(Sample{Stage: stage, Kind: KindTokens, Name: name, Value: float64(n)})
}

func (r *Recorder) Cost(stage, name string, units float64) {
	r.Record(Sample{Stage: stage, Kind: KindCostUnit, Name: name, Value: units})
}
