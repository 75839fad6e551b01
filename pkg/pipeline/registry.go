package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDraining = errors.New("pipeline: registry is draining")

// Session is one running session tracked by the registry.
type Session struct {
	ID      string
	RoomID  string
	Created time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the session's run function returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is valid after Done is closed.
func (s *Session) Err() error { return s.err }

func (s *Session) Stop() { s.cancel() }

type RunFunc func(ctx context.Context) error

type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Start runs fn in its own goroutine under id and removes the entry when fn
// returns.
func (r *SessionRegistry) Start(parent context.Context, id, roomID string, fn RunFunc) (*Session, error) {
	if r.Draining() {
		return nil, ErrDraining
	}
	ctx, cancel := context.WithCancel(parent)
	sess := &Session{
		ID:      id,
		RoomID:  roomID,
		Created: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if _, loaded := r.sessions.LoadOrStore(id, sess); loaded {
		cancel()
		return nil, fmt.Errorf("pipeline: session %s already running", id)
	}
	r.count.Add(1)
	go func() {
		defer func() {
			cancel()
			r.sessions.Delete(id)
			r.count.Add(-1)
			close(sess.done)
		}()
		sess.err = fn(ctx)
	}()
	return sess, nil
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Stop cancels one session without waiting for it.
func (r *SessionRegistry) Stop(id string) {
	if v, ok := r.sessions.Load(id); ok {
		v.(*Session).Stop()
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(_, value any) bool {
		value.(*Session).Stop()
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
