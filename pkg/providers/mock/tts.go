package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// TTSConfig scripts the synthesized audio. Every character of input text
// becomes MsPerChar of silence in the requested codec.
type TTSConfig struct {
	MsPerChar int
	// Alignment emits character timings ahead of each audio chunk.
	Alignment bool
	// FailStarts makes the first n Start calls fail. A negative value fails
	// every call.
	FailStarts int
	// FailAfterChunks reports a provider error after n chunks of audio.
	FailAfterChunks int
}

// TTS is a scripted streaming synthesizer factory.
type TTS struct {
	cfg    TTSConfig
	starts atomic.Int64
	texts  chan string
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.MsPerChar <= 0 {
		cfg.MsPerChar = 10
	}
	return &TTS{cfg: cfg, texts: make(chan string, 64)}
}

func (t *TTS) Starts() int { return int(t.starts.Load()) }

// Texts receives every chunk sent for synthesis.
func (t *TTS) Texts() <-chan string { return t.texts }

func (t *TTS) Factory() tts.Factory {
	return func(ctx context.Context, cfg tts.Config) (tts.StreamingTTS, error) {
		if cfg.Codec == "" {
			cfg.Codec = frames.CodecPCM16
		}
		if cfg.SampleRate <= 0 {
			cfg.SampleRate = 16000
		}
		if cfg.Channels <= 0 {
			cfg.Channels = 1
		}
		return &ttsConn{
			parent: t,
			cfg:    cfg,
			out:    make(chan frames.Frame, 64),
			done:   make(chan struct{}),
			pts:    frames.NewPTSGen(),
		}, nil
	}
}

type ttsConn struct {
	parent *TTS
	cfg    tts.Config
	out    chan frames.Frame
	done   chan struct{}
	pts    *frames.PTSGen
	ctx    context.Context

	mu      sync.Mutex
	started bool
	closed  bool
	chunks  int
}

func (c *ttsConn) Name() string { return "mock_tts" }

func (c *ttsConn) Start(ctx context.Context) error {
	n := int(c.parent.starts.Add(1))
	if fail := c.parent.cfg.FailStarts; fail < 0 || n <= fail {
		return errors.New("mock tts: connection refused")
	}
	c.mu.Lock()
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()
	return nil
}

// Close stops delivery. Results is left open; readers stop on their own
// context.
func (c *ttsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *ttsConn) SendText(text string) error {
	c.mu.Lock()
	ok := c.started && !c.closed
	c.chunks++
	n := c.chunks
	c.mu.Unlock()
	if !ok {
		return errors.New("mock tts: not started")
	}
	select {
	case c.parent.texts <- text:
	default:
	}

	runes := []rune(text)
	if c.parent.cfg.Alignment {
		chars := make([]frames.AlignedChar, 0, len(runes))
		for i, r := range runes {
			chars = append(chars, frames.AlignedChar{Char: string(r), StartMS: i * c.parent.cfg.MsPerChar, DurMS: c.parent.cfg.MsPerChar})
		}
		c.push(frames.NewAlignmentFrame(c.cfg.StreamID, c.pts.Next(c.cfg.StreamID), chars, c.meta()))
	}
	c.push(c.silence(time.Duration(len(runes)*c.parent.cfg.MsPerChar) * time.Millisecond))

	if fail := c.parent.cfg.FailAfterChunks; fail > 0 && n >= fail {
		meta := c.meta()
		meta[frames.MetaError] = "mock tts: stream interrupted"
		c.push(frames.NewControlFrame(c.cfg.StreamID, c.pts.Next(c.cfg.StreamID), frames.ControlError, meta))
	}
	return nil
}

func (c *ttsConn) Flush() {
	c.push(frames.NewControlFrame(c.cfg.StreamID, c.pts.Next(c.cfg.StreamID), frames.ControlAudioDone, c.meta()))
}

func (c *ttsConn) Results() <-chan frames.Frame { return c.out }

func (c *ttsConn) push(f frames.Frame) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case c.out <- f:
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *ttsConn) silence(d time.Duration) frames.AudioFrame {
	samples := int(int64(c.cfg.SampleRate) * int64(d) / int64(time.Second))
	width := c.cfg.Codec.SampleWidth()
	if width == 0 {
		width = 1
	}
	data := make([]byte, samples*width*c.cfg.Channels)
	if c.cfg.Codec == frames.CodecULaw {
		for i := range data {
			data[i] = 0xFF
		}
	}
	meta := c.meta()
	meta[frames.MetaCodec] = string(c.cfg.Codec)
	return frames.NewAudioFrame(c.cfg.StreamID, c.pts.Next(c.cfg.StreamID), data, c.cfg.SampleRate, c.cfg.Channels, meta)
}

func (c *ttsConn) meta() map[string]string {
	return map[string]string{
		frames.MetaSource:    "tts",
		frames.MetaSessionID: c.cfg.SessionID,
	}
}

var _ tts.StreamingTTS = (*ttsConn)(nil)
