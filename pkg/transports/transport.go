package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/voxturn/pkg/frames"
)

var (
	ErrRoomClosed       = errors.New("transports: room closed")
	ErrVideoUnsupported = errors.New("transports: only audio subscriptions are supported")
)

// Participant is the remote party of a room.
type Participant struct {
	Identity string
	Meta     map[string]string
}

type ConnectOptions struct {
	AudioOnly bool
}

// Room is the transport boundary of one session. Implementations own their
// network lifecycle; Audio is closed when the room closes.
type Room interface {
	ID() string
	Connect(ctx context.Context, opts ConnectOptions) error
	AwaitParticipant(ctx context.Context) (Participant, error)
	OnParticipantDisconnected(fn func(p Participant, reason string))
	Audio() <-chan frames.AudioFrame
	SendAudio(ctx context.Context, f frames.AudioFrame) error
	// ClearAudio drops audio the far end has buffered but not yet played.
	ClearAudio(ctx context.Context) error
	OutputFormat() (frames.Codec, int)
	Close() error
}

// Listener accepts rooms, one per incoming call or connection.
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Rooms() <-chan Room
	Stop() error
}

// ReadyReporter allows listeners to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// OutboundDialer allows listeners to initiate outbound calls that later
// arrive as rooms.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}
