package metrics

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"
)

// Usage sample names folded into Summary.Usage.
const (
	NameAudioIn          = "audio_in"
	NameAudioOut         = "audio_out"
	NamePromptTokens     = "prompt_tokens"
	NameCompletionTokens = "completion_tokens"
	NameCharacters       = "characters"
)

// Totals accumulates one group of samples.
type Totals struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (t Totals) add(v float64) Totals {
	if t.Count == 0 {
		t.Min, t.Max = v, v
	} else {
		t.Min = math.Min(t.Min, v)
		t.Max = math.Max(t.Max, v)
	}
	t.Sum += v
	t.Count++
	return t
}

// Mean returns Sum/Count or 0.
func (t Totals) Mean() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / float64(t.Count)
}

type nameKey struct {
	stage string
	name  string
	kind  Kind
}

// Aggregator folds samples of one session. Summarize freezes it; samples
// recorded afterwards are ignored.
type Aggregator struct {
	mu      sync.Mutex
	id      string
	started time.Time
	byStage map[string]map[Kind]Totals
	byKind  map[Kind]Totals
	byName  map[nameKey]Totals
	frozen  *Summary
}

func NewAggregator(sessionID string) *Aggregator {
	return &Aggregator{
		id:      sessionID,
		started: time.Now(),
		byStage: make(map[string]map[Kind]Totals),
		byKind:  make(map[Kind]Totals),
		byName:  make(map[nameKey]Totals),
	}
}

func (a *Aggregator) Record(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen != nil {
		return
	}
	stage := a.byStage[s.Stage]
	if stage == nil {
		stage = make(map[Kind]Totals)
		a.byStage[s.Stage] = stage
	}
	stage[s.Kind] = stage[s.Kind].add(s.Value)
	a.byKind[s.Kind] = a.byKind[s.Kind].add(s.Value)
	key := nameKey{stage: s.Stage, name: s.Name, kind: s.Kind}
	a.byName[key] = a.byName[key].add(s.Value)
}

// Summarize returns the immutable session summary. Repeated calls return the
// same summary; dropped is only taken from the first call.
func (a *Aggregator) Summarize(dropped int64) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen != nil {
		return *a.frozen
	}
	s := Summary{
		SessionID: a.id,
		Started:   a.started,
		Ended:     time.Now(),
		Dropped:   dropped,
		byStage:   make(map[string]map[Kind]Totals, len(a.byStage)),
		byKind:    make(map[Kind]Totals, len(a.byKind)),
		byName:    make(map[nameKey]Totals, len(a.byName)),
	}
	for stage, kinds := range a.byStage {
		cp := make(map[Kind]Totals, len(kinds))
		for k, v := range kinds {
			cp[k] = v
		}
		s.byStage[stage] = cp
	}
	for k, v := range a.byKind {
		s.byKind[k] = v
	}
	for k, v := range a.byName {
		s.byName[k] = v
	}
	a.frozen = &s
	return s
}

// Summary is the read-only result of a session. Accessors return copies.
type Summary struct {
	SessionID string
	Started   time.Time
	Ended     time.Time
	Dropped   int64

	byStage map[string]map[Kind]Totals
	byKind  map[Kind]Totals
	byName  map[nameKey]Totals
}

func (s Summary) Stages() []string {
	out := make([]string, 0, len(s.byStage))
	for k := range s.byStage {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s Summary) Stage(stage string) map[Kind]Totals {
	out := make(map[Kind]Totals, len(s.byStage[stage]))
	for k, v := range s.byStage[stage] {
		out[k] = v
	}
	return out
}

func (s Summary) Kind(kind Kind) Totals {
	return s.byKind[kind]
}

func (s Summary) Named(stage, name string, kind Kind) Totals {
	return s.byName[nameKey{stage: stage, name: name, kind: kind}]
}

// Count returns how many count samples with the given name a stage produced.
func (s Summary) Count(stage, name string) int {
	return int(s.byName[nameKey{stage: stage, name: name, kind: KindCount}].Sum)
}

// Usage condenses the summary for cost reporting.
type Usage struct {
	STTAudioSeconds     float64 `json:"stt_audio_seconds"`
	TTSAudioSeconds     float64 `json:"tts_audio_seconds"`
	TTSCharacters       int     `json:"tts_characters"`
	LLMPromptTokens     int     `json:"llm_prompt_tokens"`
	LLMCompletionTokens int     `json:"llm_completion_tokens"`
}

func (s Summary) Usage() Usage {
	return Usage{
		STTAudioSeconds:     s.Named(StageSTT, NameAudioIn, KindAudioDuration).Sum,
		TTSAudioSeconds:     s.Named(StageTTS, NameAudioOut, KindAudioDuration).Sum,
		TTSCharacters:       int(s.Named(StageTTS, NameCharacters, KindCostUnit).Sum),
		LLMPromptTokens:     int(s.Named(StageLLM, NamePromptTokens, KindTokens).Sum),
		LLMCompletionTokens: int(s.Named(StageLLM, NameCompletionTokens, KindTokens).Sum),
	}
}

func (s Summary) MarshalJSON() ([]byte, error) {
	stages := make(map[string]map[Kind]Totals, len(s.byStage))
	for _, name := range s.Stages() {
		stages[name] = s.Stage(name)
	}
	return json.Marshal(struct {
		SessionID string                     `json:"session_id"`
		Started   time.Time                  `json:"started"`
		Ended     time.Time                  `json:"ended"`
		Dropped   int64                      `json:"dropped_samples"`
		Stages    map[string]map[Kind]Totals `json:"stages"`
		Kinds     map[Kind]Totals            `json:"kinds"`
		Usage     Usage                      `json:"usage"`
	}{
		SessionID: s.SessionID,
		Started:   s.Started,
		Ended:     s.Ended,
		Dropped:   s.Dropped,
		Stages:    stages,
		Kinds:     s.byKind,
		Usage:     s.Usage(),
	})
}
