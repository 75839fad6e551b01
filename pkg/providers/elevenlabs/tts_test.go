package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

// fakeServer speaks the stream-input protocol: every text message is
// answered with one audio chunk and the empty text ends the stream.
type fakeServer struct {
	t        *testing.T
	received chan map[string]any
	header   chan http.Header
	query    chan string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		t:        t,
		received: make(chan map[string]any, 16),
		header:   make(chan http.Header, 1),
		query:    make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.header <- r.Header.Clone()
		f.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			f.received <- msg
			text, _ := msg["text"].(string)
			switch {
			case text == "":
				_ = conn.WriteJSON(map[string]any{"isFinal": true})
				return
			case strings.TrimSpace(text) == "":
			default:
				chars := []string{}
				starts := []int{}
				durs := []int{}
				for i, r := range strings.TrimSpace(text) {
					chars = append(chars, string(r))
					starts = append(starts, i*10)
					durs = append(durs, 10)
				}
				_ = conn.WriteJSON(map[string]any{
					"audio": base64.StdEncoding.EncodeToString(make([]byte, 160)),
					"alignment": map[string]any{
						"chars":            chars,
						"charStartTimesMs": starts,
						"charDurationsMs":  durs,
					},
				})
			}
		}
	}))
	return f, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, s *ElevenLabsTTS) []frames.Frame {
	t.Helper()
	var out []frames.Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.Results():
			out = append(out, f)
			if c, ok := f.(frames.ControlFrame); ok && (c.Code() == frames.ControlAudioDone || c.Code() == frames.ControlError) {
				return out
			}
		case <-timeout:
			t.Fatalf("no audio_done after %d frames", len(out))
		}
	}
}

func TestStreamInputRoundTrip(t *testing.T) {
	fake, srv := newFakeServer(t)
	defer srv.Close()

	s := New(Config{APIKey: "key", VoiceID: "voice", ModelID: "eleven_flash_v2_5", BaseURL: wsURL(srv)},
		tts.Config{StreamID: "s1", SessionID: "sess", Codec: frames.CodecULaw, SampleRate: 8000}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	if got := (<-fake.header).Get("xi-api-key"); got != "key" {
		t.Fatalf("expected api key header, got %q", got)
	}
	if q := <-fake.query; !strings.Contains(q, "output_format=ulaw_8000") || !strings.Contains(q, "model_id=eleven_flash_v2_5") {
		t.Fatalf("unexpected query %q", q)
	}
	init := <-fake.received
	if init["text"] != " " || init["voice_settings"] == nil || init["generation_config"] == nil {
		t.Fatalf("unexpected init message %v", init)
	}

	if err := s.SendText("Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Flush()

	got := collect(t, s)
	if len(got) != 3 {
		t.Fatalf("expected alignment, audio and audio_done, got %d frames", len(got))
	}
	align, ok := got[0].(frames.AlignmentFrame)
	if !ok || len(align.Chars()) != 2 || align.Chars()[1].StartMS != 10 {
		t.Fatalf("unexpected alignment frame %+v", got[0])
	}
	audio, ok := got[1].(frames.AudioFrame)
	if !ok || audio.Codec() != frames.CodecULaw || audio.Rate() != 8000 || len(audio.RawPayload()) != 160 {
		t.Fatalf("unexpected audio frame %+v", got[1])
	}
	if msg := <-fake.received; msg["text"] != "Hi " {
		t.Fatalf("expected trailing space on text, got %q", msg["text"])
	}
}

func TestServerErrorBecomesControlFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(map[string]any{"error": "quota_exceeded", "message": "out of characters"})
	}))
	defer srv.Close()

	s := New(Config{APIKey: "key", VoiceID: "voice", BaseURL: wsURL(srv)}, tts.Config{StreamID: "s1"}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	got := collect(t, s)
	ctrl, ok := got[len(got)-1].(frames.ControlFrame)
	if !ok || ctrl.Code() != frames.ControlError || !strings.Contains(ctrl.Meta()[frames.MetaError], "quota_exceeded") {
		t.Fatalf("expected error frame, got %+v", got)
	}
}

func TestRateLimitedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := New(Config{APIKey: "key", VoiceID: "voice", BaseURL: wsURL(srv)}, tts.Config{}, nil)
	err := s.Start(context.Background())
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestOutputFormatFollowsRoom(t *testing.T) {
	cases := map[string]struct {
		codec frames.Codec
		rate  int
	}{
		"ulaw_8000":     {frames.CodecULaw, 8000},
		"pcm_16000":     {frames.CodecPCM16, 16000},
		"pcm_24000":     {frames.CodecPCM16, 24000},
		"mp3_22050_32":  {frames.CodecMP3, 22050},
	}
	for want, c := range cases {
		if got := OutputFormatFor(c.codec, c.rate); got != want {
			t.Fatalf("format for %s/%d: got %s want %s", c.codec, c.rate, got, want)
		}
	}
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory(Config{}, nil)(context.Background(), tts.Config{})
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	prov, err := NewFactory(Config{APIKey: "key"}, nil)(context.Background(), tts.Config{Codec: frames.CodecULaw, SampleRate: 8000})
	if err != nil || prov == nil {
		t.Fatalf("expected provider with api key, got %v", err)
	}
}

func TestValidateOutputFormat(t *testing.T) {
	for _, ok := range []string{"", "pcm_16000", "ulaw_8000", "alaw_8000"} {
		if err := ValidateOutputFormat(ok); err != nil {
			t.Fatalf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"mp3_22050_32", "opus_48000_64", "pcm"} {
		if err := ValidateOutputFormat(bad); !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
			t.Fatalf("%q: expected configuration error, got %v", bad, err)
		}
	}
}

func TestFactoryLogsConfiguredVoice(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	NewFactory(Config{APIKey: "key"}, logger)
	out := buf.String()
	if !strings.Contains(out, "elevenlabs_voice") || !strings.Contains(out, DefaultVoiceID) || !strings.Contains(out, "voice_name=Jessica") {
		t.Fatalf("expected voice log line, got %q", out)
	}
}
