package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	SmartFormat    bool   `mapstructure:"smart_format"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

// NewFactory returns a factory opening one Deepgram live connection per
// segment. Segment settings override the static ones.
func NewFactory(cfg Config, logger *slog.Logger) stt.Factory {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "deepgram_stt")
	return func(ctx context.Context, seg stt.Config) (stt.StreamingSTT, error) {
		if cfg.APIKey == "" {
			return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "deepgram: api key is required")
		}
		return New(cfg, seg, logger), nil
	}
}

type StreamingSTT struct {
	cfg    Config
	seg    stt.Config
	logger *slog.Logger

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	cancel     context.CancelFunc

	mu         sync.Mutex
	out        chan frames.Frame
	closed     bool
	metaLogged bool
}

func New(cfg Config, seg stt.Config, logger *slog.Logger) *StreamingSTT {
	if seg.SampleRate == 0 {
		seg.SampleRate = 16000
	}
	if seg.Encoding == "" {
		seg.Encoding = "linear16"
	}
	if seg.Language == "" {
		seg.Language = cfg.Language
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingSTT{
		cfg:    cfg,
		seg:    seg,
		out:    make(chan frames.Frame, 256),
		logger: logger.With("stream_id", seg.StreamID, "session_id", seg.SessionID),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.seg.Language,
		Encoding:       s.seg.Encoding,
		SampleRate:     s.seg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    s.cfg.SmartFormat,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
		transcriptOptions.VadEvents = true
	}

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", "error", err)
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient
	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram: connection failed")
	}
	s.logger.Debug("deepgram_connected", "model", s.cfg.Model, "sample_rate", s.seg.SampleRate, "encoding", s.seg.Encoding)

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && ctx.Err() == nil {
			s.logger.Warn("deepgram_stream_error", "error", err)
			s.emitError("stream", err.Error())
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram: not started")
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) meta(extra map[string]string) map[string]string {
	m := map[string]string{
		frames.MetaSource:    "stt",
		frames.MetaSessionID: s.seg.SessionID,
	}
	if s.seg.TraceID != "" {
		m[frames.MetaTraceID] = s.seg.TraceID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

// emit drops frames once closed or when the reader fell behind.
func (s *StreamingSTT) emit(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

func (s *StreamingSTT) emitError(code, msg string) {
	s.emit(frames.NewControlFrame(s.seg.StreamID, time.Now().UnixNano(), frames.ControlError, s.meta(map[string]string{
		frames.MetaError: fmt.Sprintf("%s: %s", code, msg),
	})))
}

func (s *StreamingSTT) emitFlush(reason string) {
	s.emit(frames.NewControlFrame(s.seg.StreamID, time.Now().UnixNano(), frames.ControlFlush, s.meta(map[string]string{
		frames.MetaReason: reason,
	})))
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	s := c.parent
	transcript := ""
	if len(mr.Channel.Alternatives) > 0 {
		transcript = mr.Channel.Alternatives[0].Transcript
	}
	if transcript == "" {
		if mr.SpeechFinal {
			s.emitFlush("speech_final")
		}
		return nil
	}
	s.emit(frames.NewTextFrame(s.seg.StreamID, time.Now().UnixNano(), transcript, s.meta(map[string]string{
		frames.MetaIsFinal:     fmt.Sprintf("%t", mr.IsFinal),
		frames.MetaSpeechFinal: fmt.Sprintf("%t", mr.SpeechFinal),
	})))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	s := c.parent
	s.mu.Lock()
	first := !s.metaLogged
	s.metaLogged = true
	s.mu.Unlock()
	if first {
		s.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.emitFlush("speech_final")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Warn("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	c.parent.emitError(er.ErrCode, er.ErrMsg)
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "bytes", len(byData))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
