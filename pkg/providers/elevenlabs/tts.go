package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/configutil"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io"
	// DefaultVoiceID is the premade "Jessica" voice.
	DefaultVoiceID   = "cgSgspJ2msm6clMCkdW9"
	DefaultVoiceName = "Jessica"
	DefaultModelID   = "eleven_flash_v2_5"
)

type Config struct {
	APIKey          string  `mapstructure:"api_key"`
	VoiceID         string  `mapstructure:"voice_id"`
	ModelID         string  `mapstructure:"model_id"`
	OutputFormat    string  `mapstructure:"output_format"`
	BaseURL         string  `mapstructure:"base_url"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
	Style           float64 `mapstructure:"style"`
	// SpeakerBoost defaults to on.
	SpeakerBoost     *bool `mapstructure:"use_speaker_boost"`
	StreamingLatency int   `mapstructure:"streaming_latency"`
	EnableSSML       bool  `mapstructure:"enable_ssml_parsing"`
	ChunkSchedule    []int `mapstructure:"chunk_length_schedule"`
	// KeepAlive is the idle interval after which a blank message is sent so
	// the server does not drop the stream.
	KeepAlive time.Duration `mapstructure:"keepalive"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.VoiceID == "" {
		c.VoiceID = DefaultVoiceID
	}
	if c.ModelID == "" {
		c.ModelID = DefaultModelID
	}
	if c.Stability == 0 {
		c.Stability = 0.71
	}
	if c.SimilarityBoost == 0 {
		c.SimilarityBoost = 0.5
	}
	if c.StreamingLatency == 0 {
		c.StreamingLatency = 3
	}
	if len(c.ChunkSchedule) == 0 {
		c.ChunkSchedule = []int{80, 120, 200, 260}
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	return c
}

// NewFactory returns a factory opening one stream-input socket per
// utterance. The output format follows the room unless configured.
func NewFactory(cfg Config, logger *slog.Logger) tts.Factory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "elevenlabs_tts")
	voiceName := ""
	if cfg.VoiceID == DefaultVoiceID {
		voiceName = DefaultVoiceName
	}
	logger.Info("elevenlabs_voice", "voice_id", cfg.VoiceID, "voice_name", voiceName,
		"model_id", cfg.ModelID, "output_format", cfg.OutputFormat)
	return func(ctx context.Context, utt tts.Config) (tts.StreamingTTS, error) {
		if cfg.APIKey == "" {
			return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "elevenlabs: api key is required")
		}
		return New(cfg, utt, logger), nil
	}
}

// OutputFormatFor maps a room format onto an ElevenLabs output format.
func OutputFormatFor(codec frames.Codec, rate int) string {
	switch codec {
	case frames.CodecULaw:
		return "ulaw_8000"
	case frames.CodecMP3:
		return "mp3_22050_32"
	default:
		if rate <= 0 {
			rate = 16000
		}
		return fmt.Sprintf("pcm_%d", rate)
	}
}

// ValidateOutputFormat rejects compressed output formats. Pacing and the
// played-text estimate need audio whose duration follows from its size,
// which holds for pcm, ulaw and alaw only. Empty means follow the room.
func ValidateOutputFormat(format string) error {
	if strings.TrimSpace(format) == "" {
		return nil
	}
	codec, rate := frames.CodecFromOutputFormat(format)
	if codec.SampleWidth() == 0 || rate <= 0 {
		return errorsx.Errorf(errorsx.ReasonConfiguration,
			"elevenlabs: output_format %q is not supported, use pcm_<rate>, ulaw_8000 or alaw_8000", format)
	}
	return nil
}

type ElevenLabsTTS struct {
	cfg    Config
	utt    tts.Config
	codec  frames.Codec
	rate   int
	logger *slog.Logger
	pts    *frames.PTSGen

	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan map[string]any
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func New(cfg Config, utt tts.Config, logger *slog.Logger) *ElevenLabsTTS {
	cfg = cfg.withDefaults()
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = OutputFormatFor(utt.Codec, utt.SampleRate)
	}
	codec, rate := frames.CodecFromOutputFormat(cfg.OutputFormat)
	if rate == 0 {
		rate = utt.SampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		utt:     utt,
		codec:   codec,
		rate:    rate,
		logger:  logger.With("stream_id", utt.StreamID, "session_id", utt.SessionID),
		pts:     frames.NewPTSGen(),
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan map[string]any, 64),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	u, err := s.buildURL()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(s.ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Warn("elevenlabs_rate_limited", "status", resp.Status)
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("elevenlabs_connect_failed", "error", err)
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	s.conn = conn
	s.logger.Debug("elevenlabs_connected", "output_format", s.cfg.OutputFormat)

	if err := s.send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":         s.cfg.Stability,
			"similarity_boost":  s.cfg.SimilarityBoost,
			"style":             s.cfg.Style,
			"use_speaker_boost": configutil.BoolValue(s.cfg.SpeakerBoost, true),
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": s.cfg.ChunkSchedule,
		},
	}); err != nil {
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn == nil {
		return nil
	}
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}

// SendText queues text. Words must be followed by a space so the server can
// split them.
func (s *ElevenLabsTTS) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.enqueue(map[string]any{"text": text + " "})
}

// Flush closes the input. The server answers with a final message once the
// remaining audio was sent.
func (s *ElevenLabsTTS) Flush() {
	if err := s.enqueue(map[string]any{"text": ""}); err != nil {
		s.logger.Debug("elevenlabs_flush_failed", "error", err)
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) enqueue(msg map[string]any) error {
	if s.conn == nil || s.ctx == nil {
		return errorsx.Errorf(errorsx.ReasonTTSSend, "elevenlabs: not connected")
	}
	select {
	case s.writeCh <- msg:
		return nil
	case <-s.ctx.Done():
		return errorsx.Wrap(s.ctx.Err(), errorsx.ReasonTTSSend)
	}
}

func (s *ElevenLabsTTS) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	base.Path += "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("sync_alignment", "true")
	q.Set("optimize_streaming_latency", strconv.Itoa(s.cfg.StreamingLatency))
	q.Set("enable_ssml_parsing", strconv.FormatBool(s.cfg.EnableSSML))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			if err := s.send(msg); err != nil {
				s.fail(fmt.Sprintf("write: %v", err))
				return
			}
			ticker.Reset(s.cfg.KeepAlive)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Sprintf("read: %v", err))
			}
			return
		}
		if done := s.handleMessage(data); done {
			return
		}
	}
}

type alignment struct {
	Chars      []string `json:"chars"`
	StartTimes []int    `json:"charStartTimesMs"`
	Durations  []int    `json:"charDurationsMs"`
}

type streamMessage struct {
	Audio     string     `json:"audio"`
	IsFinal   bool       `json:"isFinal"`
	Alignment *alignment `json:"alignment"`
	Error     string     `json:"error"`
	Message   string     `json:"message"`
}

// handleMessage reports true after the final message.
func (s *ElevenLabsTTS) handleMessage(data []byte) bool {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_bad_message", "error", err)
		return false
	}
	if msg.Error != "" {
		text := msg.Error
		if msg.Message != "" {
			text += ": " + msg.Message
		}
		s.fail(text)
		return true
	}
	if msg.Audio != "" {
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.logger.Warn("elevenlabs_audio_decode_error", "error", err)
			return false
		}
		if chars := msg.Alignment.chars(); len(chars) > 0 {
			s.emit(frames.NewAlignmentFrame(s.utt.StreamID, s.pts.Next(s.utt.StreamID), chars, s.meta()))
		}
		meta := s.meta()
		meta[frames.MetaCodec] = string(s.codec)
		meta[frames.MetaEncoding] = s.cfg.OutputFormat
		channels := s.utt.Channels
		if channels <= 0 {
			channels = 1
		}
		s.emit(frames.NewAudioFrame(s.utt.StreamID, s.pts.Next(s.utt.StreamID), raw, s.rate, channels, meta))
	}
	if msg.IsFinal {
		s.emit(frames.NewControlFrame(s.utt.StreamID, s.pts.Next(s.utt.StreamID), frames.ControlAudioDone, s.meta()))
		return true
	}
	return false
}

func (a *alignment) chars() []frames.AlignedChar {
	if a == nil {
		return nil
	}
	out := make([]frames.AlignedChar, 0, len(a.Chars))
	for i, c := range a.Chars {
		ac := frames.AlignedChar{Char: c}
		if i < len(a.StartTimes) {
			ac.StartMS = a.StartTimes[i]
		}
		if i < len(a.Durations) {
			ac.DurMS = a.Durations[i]
		}
		out = append(out, ac)
	}
	return out
}

func (s *ElevenLabsTTS) fail(msg string) {
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "quota") {
		s.logger.Warn("elevenlabs_rate_limited", "error", msg)
	} else {
		s.logger.Error("elevenlabs_stream_error", "error", msg)
	}
	meta := s.meta()
	meta[frames.MetaError] = msg
	s.emit(frames.NewControlFrame(s.utt.StreamID, s.pts.Next(s.utt.StreamID), frames.ControlError, meta))
}

func (s *ElevenLabsTTS) emit(f frames.Frame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func (s *ElevenLabsTTS) meta() map[string]string {
	return map[string]string{
		frames.MetaSource:    "elevenlabs",
		frames.MetaSessionID: s.utt.SessionID,
	}
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
