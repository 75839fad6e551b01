package stt

import (
	"context"

	"github.com/harunnryd/voxturn/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
// One instance serves one speech segment.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection and closes Results.
	Close() error
	// SendAudio sends audio frames to the STT service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns transcript text frames (is_final / speech_final meta)
	// and control frames (flush with reason speech_final, error).
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	SessionID  string
	TraceID    string
	SampleRate int
	Encoding   string
	Language   string
}

// Factory opens a provider connection for one segment.
type Factory func(ctx context.Context, cfg Config) (StreamingSTT, error)
