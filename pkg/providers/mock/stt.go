package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// STTConfig scripts the transcripts handed out per connection. Each
// connection that receives audio takes the next entry of Transcripts; the
// last entry repeats.
type STTConfig struct {
	Transcripts []string
	// Interim is emitted before the final when set.
	Interim string
	// FailStarts makes the first n Start calls fail. A negative value fails
	// every call.
	FailStarts int
	// ErrorMessage, when set, is reported as a provider error frame instead
	// of a transcript.
	ErrorMessage string
}

// STT is a scripted streaming recognizer factory.
type STT struct {
	cfg    STTConfig
	starts atomic.Int64
	next   atomic.Int64
}

func NewSTT(cfg STTConfig) *STT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	return &STT{cfg: cfg}
}

// Starts reports how many connections were attempted.
func (s *STT) Starts() int { return int(s.starts.Load()) }

func (s *STT) Factory() stt.Factory {
	return func(ctx context.Context, cfg stt.Config) (stt.StreamingSTT, error) {
		return &sttConn{parent: s, cfg: cfg, out: make(chan frames.Frame, 16)}, nil
	}
}

func (s *STT) transcript() string {
	i := int(s.next.Add(1)) - 1
	if i >= len(s.cfg.Transcripts) {
		i = len(s.cfg.Transcripts) - 1
	}
	return s.cfg.Transcripts[i]
}

type sttConn struct {
	parent *STT
	cfg    stt.Config

	mu      sync.Mutex
	out     chan frames.Frame
	started bool
	closed  bool
	emitted bool
}

func (c *sttConn) Name() string { return "mock_stt" }

func (c *sttConn) Start(ctx context.Context) error {
	n := int(c.parent.starts.Add(1))
	if fail := c.parent.cfg.FailStarts; fail < 0 || n <= fail {
		return errors.New("mock stt: connection refused")
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *sttConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	return nil
}

func (c *sttConn) SendAudio(frame frames.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return errors.New("mock stt: not started")
	}
	if c.emitted {
		return nil
	}
	c.emitted = true

	if msg := c.parent.cfg.ErrorMessage; msg != "" {
		c.push(frames.NewControlFrame(c.cfg.StreamID, time.Now().UnixNano(), frames.ControlError, c.meta(map[string]string{
			frames.MetaError: msg,
		})))
		return nil
	}
	if interim := c.parent.cfg.Interim; interim != "" {
		c.push(frames.NewTextFrame(c.cfg.StreamID, time.Now().UnixNano(), interim, c.meta(map[string]string{
			frames.MetaIsFinal: "false",
		})))
	}
	c.push(frames.NewTextFrame(c.cfg.StreamID, time.Now().UnixNano(), c.parent.transcript(), c.meta(map[string]string{
		frames.MetaIsFinal:     "true",
		frames.MetaSpeechFinal: "true",
	})))
	return nil
}

func (c *sttConn) Results() <-chan frames.Frame { return c.out }

// push must be called with mu held.
func (c *sttConn) push(f frames.Frame) {
	select {
	case c.out <- f:
	default:
	}
}

func (c *sttConn) meta(extra map[string]string) map[string]string {
	m := map[string]string{
		frames.MetaSource:    "stt",
		frames.MetaSessionID: c.cfg.SessionID,
	}
	if c.cfg.TraceID != "" {
		m[frames.MetaTraceID] = c.cfg.TraceID
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

var _ stt.StreamingSTT = (*sttConn)(nil)
