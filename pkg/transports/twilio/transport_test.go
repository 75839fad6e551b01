package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/transports"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (w *recordingWriter) enqueue(msg map[string]any) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) close() error { return nil }

func (w *recordingWriter) events() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.msgs))
	for _, m := range w.msgs {
		out = append(out, m["event"].(string))
	}
	return out
}

func testRoom(t *testing.T) (*Room, *recordingWriter) {
	t.Helper()
	r := newRoom(&TwilioStart{CallSID: "CA123", StreamID: "MZ1", From: "+15550100"}, nil, 4)
	w := &recordingWriter{}
	r.writer = w
	return r, w
}

func TestRoomClearAudioSendsClearEvent(t *testing.T) {
	r, w := testRoom(t)
	if err := r.ClearAudio(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := w.events(); len(got) != 1 || got[0] != "clear" {
		t.Fatalf("expected clear event, got %v", got)
	}
}

func TestRoomSendAudioRequiresMuLaw(t *testing.T) {
	r, w := testRoom(t)
	ulaw := frames.NewAudioFrame("MZ1", 1, make([]byte, 160), 8000, 1, map[string]string{frames.MetaCodec: "ulaw"})
	if err := r.SendAudio(context.Background(), ulaw); err != nil {
		t.Fatalf("send: %v", err)
	}
	pcm := frames.NewAudioFrame("MZ1", 2, make([]byte, 640), 16000, 1, nil)
	err := r.SendAudio(context.Background(), pcm)
	if !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected transport_send error, got %v", err)
	}
	if got := w.events(); len(got) != 1 || got[0] != "media" {
		t.Fatalf("expected one media event, got %v", got)
	}
}

func TestRoomAudioOnlyAndDelivery(t *testing.T) {
	r, _ := testRoom(t)
	if err := r.Connect(context.Background(), transports.ConnectOptions{}); err != transports.ErrVideoUnsupported {
		t.Fatalf("expected video to be rejected, got %v", err)
	}
	r.deliver([]byte{0xFF})
	if len(r.Audio()) != 0 {
		t.Fatalf("audio before connect must be dropped")
	}
	if err := r.Connect(context.Background(), transports.ConnectOptions{AudioOnly: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 6; i++ {
		r.deliver(make([]byte, 160))
	}
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 drops with a 4 frame queue, got %d", r.Dropped())
	}
	f := <-r.Audio()
	if f.Codec() != frames.CodecULaw || f.Duration() != 20*time.Millisecond {
		t.Fatalf("unexpected frame %s %s", f.Codec(), f.Duration())
	}
	p, err := r.AwaitParticipant(context.Background())
	if err != nil || p.Identity != "+15550100" {
		t.Fatalf("unexpected participant %+v %v", p, err)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/ws"/>`) {
		t.Fatalf("unexpected twiml %s", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestStatusCallbackDisconnectsParticipant(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	room, _ := testRoom(t)
	tr.attach(room)

	left := make(chan string, 1)
	room.OnParticipantDisconnected(func(p transports.Participant, reason string) { left <- reason })

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "CallStatus": "completed"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case reason := <-left:
		if reason != "completed" {
			t.Fatalf("expected completed, got %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected disconnect")
	}
	if tr.ActiveRooms() != 0 {
		t.Fatalf("expected room to be detached")
	}
	if _, ok := <-room.Audio(); ok {
		t.Fatalf("expected audio to be closed")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress":      "",
		"completed":        "completed",
		"no-answer":        "no_answer",
		"transport_closed": "failed",
		"weird":            "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
