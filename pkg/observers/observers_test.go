package observers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

func TestUsageReporterWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	agg := metrics.NewAggregator("sess-1")
	agg.Record(metrics.Sample{Stage: metrics.StageSTT, Kind: metrics.KindAudioDuration, Name: metrics.NameAudioIn, Value: 1.5, Time: time.Now()})
	agg.Record(metrics.Sample{Stage: metrics.StageLLM, Kind: metrics.KindTokens, Name: metrics.NameCompletionTokens, Value: 42, Time: time.Now()})
	summary := agg.Summarize(0)

	var logs bytes.Buffer
	rep := NewUsageReporter(dir, slog.New(slog.NewJSONHandler(&logs, nil)))
	if err := rep.Report(context.Background(), "+15550100", summary); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(logs.String(), "usage_summary") {
		t.Fatalf("expected usage_summary log, got %s", logs.String())
	}
	b, err := os.ReadFile(filepath.Join(dir, "sess-1"+UsageSuffix))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var report UsageReport
	if err := json.Unmarshal(b, &report); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if report.Usage.STTAudioSeconds != 1.5 || report.Usage.LLMCompletionTokens != 42 {
		t.Fatalf("unexpected usage %+v", report.Usage)
	}
}

func TestLatencyObserverLogsPerReply(t *testing.T) {
	var logs bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewJSONHandler(&logs, nil)))
	tags := map[string]string{"session_id": "sess-1"}
	start := time.Now()
	obs.Record(metrics.Sample{Stage: metrics.StageSTT, Kind: metrics.KindLatency, Name: metrics.EventFinalTranscript, Value: 300, Time: start, Tags: tags})
	obs.Record(metrics.Sample{Stage: metrics.StageLLM, Kind: metrics.KindLatency, Name: metrics.EventFirstToken, Value: 250, Time: start.Add(250 * time.Millisecond), Tags: tags})
	obs.Record(metrics.Sample{Stage: metrics.StageTTS, Kind: metrics.KindLatency, Name: metrics.EventFirstAudio, Value: 180, Time: start.Add(600 * time.Millisecond), Tags: tags})

	var line map[string]any
	if err := json.Unmarshal(logs.Bytes(), &line); err != nil {
		t.Fatalf("decode log: %v (%s)", err, logs.String())
	}
	if line["msg"] != "latency" || line["ttfb_ms"].(float64) != 600 || line["llm_first_token_ms"].(float64) != 250 {
		t.Fatalf("unexpected latency line %v", line)
	}
}

func TestTimelineObserverWritesPerSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.Record(metrics.Sample{Stage: metrics.StageTurn, Kind: metrics.KindCount, Name: metrics.EventBargeIn, Value: 1, Time: time.Now(), Tags: map[string]string{"session_id": "s/1"}})
	obs.Record(metrics.Sample{Stage: metrics.StageTurn, Kind: metrics.KindCount, Name: metrics.EventBargeIn, Value: 1, Time: time.Now()})
	if err := obs.CloseSession("s/1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "s_1"+TimelineSuffix))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Count(string(b), "\n") != 1 || !strings.Contains(string(b), `"barge_in"`) {
		t.Fatalf("unexpected timeline %s", b)
	}
}

func TestPurgeArtifactsHonorsSuffix(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"a" + UsageSuffix, "b" + TimelineSuffix, "notes.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	n, err := PurgeArtifacts(dir, time.Hour, UsageSuffix, TimelineSuffix)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file must survive: %v", err)
	}
}
