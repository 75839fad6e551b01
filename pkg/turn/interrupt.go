package turn

import (
	"context"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/coordinator"
	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// Playback is the outbound audio path flushed on barge-in.
type Playback interface {
	Flush(ctx context.Context) error
}

type Responder interface {
	Respond(ctx context.Context, history []dialogue.Turn, sink chan<- string) coordinator.Result
}

type Speaker interface {
	Speak(ctx context.Context, utt *dialogue.Utterance, chunks <-chan string) <-chan tts.Event
}

type Transcriber interface {
	Transcribe(ctx context.Context, segmentID string, audio <-chan frames.AudioFrame) <-chan stt.Delta
}

type SignalType int

const (
	// SignalReprompt fires when the user stayed silent past the no-speech
	// timeout.
	SignalReprompt SignalType = iota
	SignalTranscriptionFailed
	SignalGenerationFailed
	SignalSynthesisFailed
)

func (t SignalType) String() string {
	switch t {
	case SignalReprompt:
		return "reprompt"
	case SignalTranscriptionFailed:
		return "transcription_failed"
	case SignalGenerationFailed:
		return "generation_failed"
	default:
		return "synthesis_failed"
	}
}

// Signal is delivered to the session, which decides on the audible policy.
type Signal struct {
	Type SignalType
	// Attempt counts consecutive reprompts since the last user turn.
	Attempt int
	Err     error
	Time    time.Time
}
