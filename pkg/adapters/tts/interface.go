package tts

import (
	"context"

	"github.com/harunnryd/voxturn/pkg/frames"
)

// StreamingTTS defines the contract for any TTS vendor implementation.
// One instance serves one utterance.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the TTS connection.
	Start(ctx context.Context) error
	// Close stops synthesis and releases the connection.
	Close() error
	// SendText sends text to be synthesized.
	SendText(text string) error
	// Flush marks the end of the input text. The provider ends its results
	// with an audio_done control frame.
	Flush()
	// Results returns audio, alignment and control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID  string
	SessionID string

	// Codec and SampleRate are the room's outbound format. Providers must
	// produce audio in it.
	Codec        frames.Codec
	SampleRate   int
	Channels     int
	BufferFrames int
}

type Factory func(ctx context.Context, cfg Config) (StreamingTTS, error)

// Sink receives paced outbound audio.
type Sink interface {
	PublishOutbound(ctx context.Context, f frames.AudioFrame) error
}
