package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

var ulaw = map[string]string{frames.MetaCodec: "ulaw"}

type fakeTTS struct {
	out       chan frames.Frame
	once      sync.Once
	msPerChar int
	align     bool
	startErr  error
	// sendErr answers text with an error frame and no audio.
	sendErr string
}

func newFakeTTS(msPerChar int, align bool) *fakeTTS {
	return &fakeTTS{out: make(chan frames.Frame, 64), msPerChar: msPerChar, align: align}
}

func (f *fakeTTS) Name() string                { return "fake_tts" }
func (f *fakeTTS) Start(context.Context) error { return f.startErr }
func (f *fakeTTS) Results() <-chan frames.Frame {
	return f.out
}

func (f *fakeTTS) Close() error {
	f.once.Do(func() { close(f.out) })
	return nil
}

func (f *fakeTTS) SendText(text string) error {
	if f.sendErr != "" {
		f.push(frames.NewControlFrame("s1", 0, frames.ControlError, map[string]string{frames.MetaError: f.sendErr}))
		return nil
	}
	chars := make([]frames.AlignedChar, 0, len(text))
	for i, c := range text {
		chars = append(chars, frames.AlignedChar{Char: string(c), StartMS: i * f.msPerChar, DurMS: f.msPerChar})
	}
	if f.align {
		f.push(frames.NewAlignmentFrame("s1", 0, chars, nil))
	}
	f.push(frames.NewAudioFrame("s1", 0, make([]byte, len(text)*f.msPerChar*8), 8000, 1, ulaw))
	return nil
}

func (f *fakeTTS) Flush() {
	f.push(frames.NewControlFrame("s1", 0, frames.ControlAudioDone, nil))
}

func (f *fakeTTS) push(fr frames.Frame) {
	select {
	case f.out <- fr:
	default:
	}
}

type memorySink struct {
	mu    sync.Mutex
	total time.Duration
	count int
}

func (m *memorySink) PublishOutbound(_ context.Context, f frames.AudioFrame) error {
	m.mu.Lock()
	m.total += f.Duration()
	m.count++
	m.mu.Unlock()
	return nil
}

func (m *memorySink) sent() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func factoryFor(p StreamingTTS) Factory {
	return func(context.Context, Config) (StreamingTTS, error) { return p, nil }
}

func textChunks(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func next(t *testing.T, events <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event stream closed")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("no event within %s", within)
	}
	return Event{}
}

func TestSpeakCompletesAfterPlayout(t *testing.T) {
	sink := &memorySink{}
	synth := NewSynthesizer(factoryFor(newFakeTTS(10, true)), sink, SynthesizerConfig{MaxAhead: time.Second}, nil, nil, nil)
	utt := dialogue.NewUtterance(dialogue.SourceAssistant)
	events := synth.Speak(context.Background(), utt, textChunks("hi ", "there"))

	started := next(t, events, time.Second)
	if started.Type != UtteranceStarted {
		t.Fatalf("expected started, got %s", started.Type)
	}
	done := next(t, events, time.Second)
	if done.Type != UtteranceCompleted {
		t.Fatalf("expected completed, got %s", done.Type)
	}
	if elapsed := done.Time.Sub(started.Time); elapsed < 60*time.Millisecond {
		t.Fatalf("completed before playout: %s", elapsed)
	}
	if sink.sent() != 80*time.Millisecond || sink.count != 5 {
		t.Fatalf("expected 80ms in 5 slices, got %s in %d", sink.sent(), sink.count)
	}
	if done.Spoken != "hi there" || utt.State() != dialogue.UtteranceCompleted {
		t.Fatalf("unexpected completion %q %s", done.Spoken, utt.State())
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected event stream to close")
	}
}

func bargeIn(t *testing.T, align bool) (Event, *dialogue.Utterance, *memorySink, time.Duration) {
	t.Helper()
	sink := &memorySink{}
	synth := NewSynthesizer(factoryFor(newFakeTTS(150, align)), sink, SynthesizerConfig{MaxAhead: 100 * time.Millisecond}, nil, nil, nil)
	utt := dialogue.NewUtterance(dialogue.SourceAssistant)
	events := synth.Speak(context.Background(), utt, textChunks("abcdefghij"))
	started := next(t, events, time.Second)
	if started.Type != UtteranceStarted {
		t.Fatalf("expected started, got %s", started.Type)
	}
	time.Sleep(200 * time.Millisecond)
	canceledAt := time.Now()
	_ = utt.Cancel()
	ev := next(t, events, 100*time.Millisecond)
	return ev, utt, sink, canceledAt.Sub(started.Time)
}

func TestSpeakStopsWithinOneBufferOnCancel(t *testing.T) {
	ev, utt, sink, elapsed := bargeIn(t, true)
	if ev.Type != UtteranceCanceled {
		t.Fatalf("expected canceled, got %s", ev.Type)
	}
	if utt.State() != dialogue.UtteranceCanceled {
		t.Fatalf("expected canceled utterance, got %s", utt.State())
	}
	if limit := elapsed + 100*time.Millisecond + 40*time.Millisecond; sink.sent() > limit {
		t.Fatalf("sent %s of audio, more than %s", sink.sent(), limit)
	}
	if sink.sent() >= 1500*time.Millisecond {
		t.Fatalf("whole utterance was sent")
	}
	if !ev.Exact || ev.Spoken != "a" {
		t.Fatalf("expected exact prefix %q, got %q exact=%v", "a", ev.Spoken, ev.Exact)
	}
	if spoken, truncated := utt.Spoken(); spoken != "a" || truncated {
		t.Fatalf("unexpected utterance spoken %q truncated=%v", spoken, truncated)
	}
}

func TestSpeakCancelWithoutAlignmentKeepsFullText(t *testing.T) {
	ev, utt, _, _ := bargeIn(t, false)
	if ev.Type != UtteranceCanceled || ev.Exact || ev.Spoken != "abcdefghij" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, truncated := utt.Spoken(); !truncated {
		t.Fatalf("expected truncated flag without alignment")
	}
}

func TestSpeakRetriesStartOnceThenFails(t *testing.T) {
	var calls atomic.Int32
	factory := func(context.Context, Config) (StreamingTTS, error) {
		calls.Add(1)
		p := newFakeTTS(10, false)
		p.startErr = errors.New("handshake failed")
		return p, nil
	}
	synth := NewSynthesizer(factory, &memorySink{}, SynthesizerConfig{}, nil, nil, nil)
	utt := dialogue.NewUtterance(dialogue.SourceAssistant)
	ev := next(t, synth.Speak(context.Background(), utt, textChunks("hello")), 2*time.Second)
	if ev.Type != UtteranceFailed {
		t.Fatalf("expected failed, got %s", ev.Type)
	}
	if !errorsx.HasReason(ev.Err, errorsx.ReasonSynthesisFailed) {
		t.Fatalf("expected synthesis_failed, got %v", ev.Err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 start attempts, got %d", calls.Load())
	}
	if utt.State() != dialogue.UtteranceCanceled {
		t.Fatalf("failed utterance must end canceled, got %s", utt.State())
	}
}

func TestSpeakFailureBeforeAudioReportsNothingSpoken(t *testing.T) {
	p := newFakeTTS(10, false)
	p.sendErr = "quota exceeded"
	synth := NewSynthesizer(factoryFor(p), &memorySink{}, SynthesizerConfig{}, nil, nil, nil)
	utt := dialogue.NewUtterance(dialogue.SourceAssistant)
	ev := next(t, synth.Speak(context.Background(), utt, textChunks("The code is 42.")), time.Second)
	if ev.Type != UtteranceFailed {
		t.Fatalf("expected failed, got %s", ev.Type)
	}
	if ev.Spoken != "" || ev.Played != 0 {
		t.Fatalf("nothing was played, got spoken %q played %s", ev.Spoken, ev.Played)
	}
	if spoken, _ := utt.Spoken(); spoken != "" {
		t.Fatalf("expected empty spoken text on the utterance, got %q", spoken)
	}
}

func TestSplitSlicesFixedWidthAudio(t *testing.T) {
	f := frames.NewAudioFrame("s1", 1, make([]byte, 1300), 8000, 1, ulaw)
	slices := split(f, 20*time.Millisecond)
	if len(slices) != 9 {
		t.Fatalf("expected 9 slices, got %d", len(slices))
	}
	if slices[0].Duration() != 20*time.Millisecond || slices[8].Duration() != 2500*time.Microsecond {
		t.Fatalf("unexpected slice durations %s %s", slices[0].Duration(), slices[8].Duration())
	}
	mp3 := frames.NewAudioFrame("s1", 1, make([]byte, 1300), 22050, 1, map[string]string{frames.MetaCodec: "mp3"})
	if len(split(mp3, 20*time.Millisecond)) != 1 {
		t.Fatalf("compressed audio must not be split")
	}
}
