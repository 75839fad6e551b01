package vad

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
)

const frameSamples = 160 // 20ms at 8kHz

func pcmFrame(amplitude int16) frames.AudioFrame {
	samples := make([]int16, frameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return frames.NewAudioFrame("s1", 0, frames.EncodePCM16(samples), 8000, 1, nil)
}

func feed(speech []bool) <-chan frames.AudioFrame {
	ch := make(chan frames.AudioFrame, len(speech))
	for _, s := range speech {
		if s {
			ch <- pcmFrame(8000)
		} else {
			ch <- pcmFrame(0)
		}
	}
	close(ch)
	return ch
}

func pattern(parts ...any) []bool {
	var out []bool
	for i := 0; i < len(parts); i += 2 {
		v := parts[i].(bool)
		n := parts[i+1].(int)
		for j := 0; j < n; j++ {
			out = append(out, v)
		}
	}
	return out
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("gate did not stop")
		}
	}
}

func TestGateEmitsSegmentWithStreamClock(t *testing.T) {
	gate := NewGate(EnergyModel{ThresholdDBFS: DefaultThresholdDBFS}, GateConfig{
		MinSpeech:  200 * time.Millisecond,
		MinSilence: 500 * time.Millisecond,
	})
	events, err := gate.Run(context.Background(), feed(pattern(false, 5, true, 15, false, 30)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("expected start and end, got %d events", len(got))
	}
	if got[0].Type != SpeechStart || got[0].At != 100*time.Millisecond {
		t.Fatalf("unexpected start %v at %s", got[0].Type, got[0].At)
	}
	if got[1].Type != SpeechEnd || got[1].At != 880*time.Millisecond {
		t.Fatalf("unexpected end %v at %s", got[1].Type, got[1].At)
	}
	n := 0
	for range got[0].Segment.Audio() {
		n++
	}
	if n != 40 {
		t.Fatalf("expected 40 frames in segment, got %d", n)
	}
	if got[1].Utterance.State() != dialogue.UtteranceCompleted {
		t.Fatalf("expected completed user utterance, got %s", got[1].Utterance.State())
	}
}

func TestGateIncludesPreRoll(t *testing.T) {
	gate := NewGate(EnergyModel{ThresholdDBFS: DefaultThresholdDBFS}, GateConfig{
		MinSpeech:  100 * time.Millisecond,
		MinSilence: 100 * time.Millisecond,
		PreRoll:    60 * time.Millisecond,
	})
	events, _ := gate.Run(context.Background(), feed(pattern(false, 10, true, 5, false, 5)))
	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	n := 0
	for range got[0].Segment.Audio() {
		n++
	}
	if n != 13 {
		t.Fatalf("expected 3 pre-roll + 5 speech + 5 silence frames, got %d", n)
	}
}

func TestGateDiscardsBlips(t *testing.T) {
	slot := dialogue.NewSlot(dialogue.SourceUser)
	mem := metrics.NewMemoryObserver()
	gate := NewGate(EnergyModel{ThresholdDBFS: DefaultThresholdDBFS}, GateConfig{
		MinSpeech:  200 * time.Millisecond,
		MinSilence: 200 * time.Millisecond,
	}, WithSlot(slot), WithRecorder(metrics.NewRecorder(mem, nil)))
	events, _ := gate.Run(context.Background(), feed(pattern(true, 5, false, 20)))
	if got := collect(t, events); len(got) != 0 {
		t.Fatalf("expected blip to produce no events, got %d", len(got))
	}
	if slot.Current() != nil {
		t.Fatalf("blip must not leave a streaming utterance")
	}
	if len(mem.Named("blip")) != 1 {
		t.Fatalf("expected one blip sample")
	}
}

type faultyModel struct{ calls atomic.Int32 }

func (m *faultyModel) Classify([]int16, int) (Result, error) {
	m.calls.Add(1)
	return Result{}, errors.New("onnx session lost")
}

func TestGateFallsBackOnClassifierFault(t *testing.T) {
	var faults atomic.Int32
	var faultErr error
	model := &faultyModel{}
	gate := NewGate(model, GateConfig{FallbackSegment: 100 * time.Millisecond}, WithFaultHandler(func(err error) {
		faults.Add(1)
		faultErr = err
	}))
	events, _ := gate.Run(context.Background(), feed(pattern(false, 12)))
	got := collect(t, events)

	if faults.Load() != 1 || model.calls.Load() != 1 {
		t.Fatalf("expected one fault and one classifier call, got %d/%d", faults.Load(), model.calls.Load())
	}
	if !errorsx.HasReason(faultErr, errorsx.ReasonClassifierFault) {
		t.Fatalf("expected classifier_fault reason, got %v", faultErr)
	}
	wantAt := []time.Duration{0, 80, 100, 180, 200, 240}
	if len(got) != len(wantAt) {
		t.Fatalf("expected %d events, got %d", len(wantAt), len(got))
	}
	for i, ev := range got {
		if !ev.Fallback {
			t.Fatalf("event %d must be marked fallback", i)
		}
		wantType := SpeechStart
		if i%2 == 1 {
			wantType = SpeechEnd
		}
		if ev.Type != wantType || ev.At != wantAt[i]*time.Millisecond {
			t.Fatalf("event %d: got %s at %s", i, ev.Type, ev.At)
		}
	}
}

func TestGateTimestampsMonotonic(t *testing.T) {
	gate := NewGate(EnergyModel{ThresholdDBFS: DefaultThresholdDBFS}, GateConfig{
		MinSpeech:  40 * time.Millisecond,
		MinSilence: 40 * time.Millisecond,
	})
	events, _ := gate.Run(context.Background(), feed(pattern(true, 3, false, 2, true, 3, false, 2, true, 1, false, 1, true, 4)))
	var last time.Duration = -1
	for _, ev := range collect(t, events) {
		if ev.At <= last {
			t.Fatalf("event %s at %s not after %s", ev.Type, ev.At, last)
		}
		last = ev.At
	}
}

func TestGateIsSingleUse(t *testing.T) {
	gate := NewGate(EnergyModel{}, GateConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := gate.Run(ctx, make(chan frames.AudioFrame)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := gate.Run(ctx, make(chan frames.AudioFrame)); !errors.Is(err, ErrGateStarted) {
		t.Fatalf("expected ErrGateStarted, got %v", err)
	}
}

func TestLoadModel(t *testing.T) {
	m, err := Load(ModelConfig{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, _ := m.Classify(make([]int16, 160), 8000)
	if res.Speech {
		t.Fatalf("silence classified as speech")
	}
	if _, err := Load(ModelConfig{Kind: "webrtc"}); !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
