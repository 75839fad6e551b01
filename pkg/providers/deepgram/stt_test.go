package deepgram

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

func message(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &mr
}

func next(t *testing.T, s *StreamingSTT) frames.Frame {
	t.Helper()
	select {
	case f := <-s.Results():
		return f
	default:
		t.Fatalf("expected a result frame")
		return nil
	}
}

func TestMessageCarriesFinalFlags(t *testing.T) {
	s := New(Config{}, stt.Config{StreamID: "s1", SessionID: "sess", TraceID: "tr"}, nil)
	cb := &callback{parent: s}

	if err := cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"hel"}]},"is_final":false}`)); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"hello"}]},"is_final":true,"speech_final":true}`)); err != nil {
		t.Fatalf("message: %v", err)
	}

	interim, ok := next(t, s).(frames.TextFrame)
	if !ok || interim.Text() != "hel" || interim.IsFinal() {
		t.Fatalf("unexpected interim frame %+v", interim)
	}
	final, ok := next(t, s).(frames.TextFrame)
	if !ok || final.Text() != "hello" || !final.IsFinal() || !final.SpeechFinal() {
		t.Fatalf("unexpected final frame %+v", final)
	}
	if final.Meta()[frames.MetaTraceID] != "tr" || final.Meta()[frames.MetaSessionID] != "sess" {
		t.Fatalf("missing correlation meta: %v", final.Meta())
	}
}

func TestEmptySpeechFinalBecomesFlush(t *testing.T) {
	s := New(Config{}, stt.Config{StreamID: "s1"}, nil)
	cb := &callback{parent: s}
	if err := cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":""}]},"is_final":true,"speech_final":true}`)); err != nil {
		t.Fatalf("message: %v", err)
	}
	ctrl, ok := next(t, s).(frames.ControlFrame)
	if !ok || ctrl.Code() != frames.ControlFlush || ctrl.Reason() != "speech_final" {
		t.Fatalf("expected speech_final flush, got %+v", ctrl)
	}
}

func TestErrorBecomesControlFrame(t *testing.T) {
	s := New(Config{}, stt.Config{StreamID: "s1"}, nil)
	cb := &callback{parent: s}
	_ = cb.Error(&msginterfaces.ErrorResponse{ErrCode: "429", ErrMsg: "rate limit exceeded"})
	ctrl, ok := next(t, s).(frames.ControlFrame)
	if !ok || ctrl.Code() != frames.ControlError {
		t.Fatalf("expected error frame, got %+v", ctrl)
	}
	if !strings.Contains(ctrl.Meta()[frames.MetaError], "rate limit") {
		t.Fatalf("unexpected error meta %q", ctrl.Meta()[frames.MetaError])
	}
}

func TestCallbacksAfterCloseAreDropped(t *testing.T) {
	s := New(Config{}, stt.Config{StreamID: "s1"}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	cb := &callback{parent: s}
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"late"}]},"is_final":true}`))
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected closed results")
	}
}

func TestFactoryRequiresAPIKey(t *testing.T) {
	_, err := NewFactory(Config{}, nil)(context.Background(), stt.Config{})
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSendAudioBeforeStart(t *testing.T) {
	s := New(Config{}, stt.Config{}, nil)
	if err := s.SendAudio(frames.NewAudioFrame("s1", 0, []byte{0, 0}, 16000, 1, nil)); err == nil {
		t.Fatalf("expected error before start")
	}
}
