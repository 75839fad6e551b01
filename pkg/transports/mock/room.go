package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/transports"
)

// Room is an in-memory room for local testing and integration.
// It implements transports.Room without any network dependency.
type Room struct {
	id    string
	codec frames.Codec
	rate  int

	audio  chan frames.AudioFrame
	sent   chan frames.AudioFrame
	joined chan transports.Participant

	mu        sync.Mutex
	closed    bool
	left      bool
	onLeave   []func(transports.Participant, string)
	who       transports.Participant
	connected atomic.Bool
	clears    atomic.Int64
	opts      transports.ConnectOptions

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
}

func NewRoom(id string) *Room {
	return NewRoomWithFormat(id, frames.CodecPCM16, 16000)
}

func NewRoomWithFormat(id string, codec frames.Codec, rate int) *Room {
	return &Room{
		id:     id,
		codec:  codec,
		rate:   rate,
		audio:  make(chan frames.AudioFrame, 512),
		sent:   make(chan frames.AudioFrame, 4096),
		joined: make(chan transports.Participant, 1),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Connect(ctx context.Context, opts transports.ConnectOptions) error {
	if r.ConnectErr != nil {
		return r.ConnectErr
	}
	if !opts.AudioOnly {
		return transports.ErrVideoUnsupported
	}
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	r.connected.Store(true)
	return nil
}

// Options returns the options of the last successful Connect.
func (r *Room) Options() transports.ConnectOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

func (r *Room) AwaitParticipant(ctx context.Context) (transports.Participant, error) {
	select {
	case p := <-r.joined:
		return p, nil
	case <-ctx.Done():
		return transports.Participant{}, ctx.Err()
	}
}

func (r *Room) OnParticipantDisconnected(fn func(transports.Participant, string)) {
	r.mu.Lock()
	r.onLeave = append(r.onLeave, fn)
	r.mu.Unlock()
}

func (r *Room) Audio() <-chan frames.AudioFrame { return r.audio }

func (r *Room) SendAudio(ctx context.Context, f frames.AudioFrame) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return transports.ErrRoomClosed
	}
	select {
	case r.sent <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) ClearAudio(ctx context.Context) error {
	r.clears.Add(1)
	return nil
}

func (r *Room) OutputFormat() (frames.Codec, int) { return r.codec, r.rate }

func (r *Room) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.audio)
	}
	return nil
}

// Join announces the participant.
func (r *Room) Join(p transports.Participant) {
	r.mu.Lock()
	r.who = p
	r.mu.Unlock()
	select {
	case r.joined <- p:
	default:
	}
}

// Leave disconnects the participant and ends inbound audio.
func (r *Room) Leave(reason string) {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.left = true
	handlers := append([]func(transports.Participant, string){}, r.onLeave...)
	who := r.who
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(who, reason)
	}
	_ = r.Close()
}

// PushAudio injects an inbound frame. It reports false when the room is
// closed or not connected.
func (r *Room) PushAudio(f frames.AudioFrame) bool {
	if !r.connected.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.audio <- f:
		return true
	default:
		return false
	}
}

// Sent exposes outbound frames for inspection.
func (r *Room) Sent() <-chan frames.AudioFrame { return r.sent }

// Clears counts ClearAudio calls.
func (r *Room) Clears() int { return int(r.clears.Load()) }

// Connected reports whether Connect succeeded.
func (r *Room) Connected() bool { return r.connected.Load() }

// Listener hands out rooms offered by tests.
type Listener struct {
	rooms chan transports.Room
	once  sync.Once
}

func NewListener() *Listener {
	return &Listener{rooms: make(chan transports.Room, 16)}
}

func (l *Listener) Name() string { return "mock" }

func (l *Listener) Start(ctx context.Context) error { return nil }

func (l *Listener) Rooms() <-chan transports.Room { return l.rooms }

// Offer queues a room for the engine.
func (l *Listener) Offer(r transports.Room) { l.rooms <- r }

func (l *Listener) Stop() error {
	l.once.Do(func() { close(l.rooms) })
	return nil
}
