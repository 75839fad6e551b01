package dialogue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
)

type UtteranceState int

const (
	UtterancePending UtteranceState = iota
	UtteranceStreaming
	UtteranceCompleted
	UtteranceCanceled
)

func (s UtteranceState) String() string {
	switch s {
	case UtterancePending:
		return "pending"
	case UtteranceStreaming:
		return "streaming"
	case UtteranceCompleted:
		return "completed"
	case UtteranceCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("utterance_state(%d)", int(s))
	}
}

func (s UtteranceState) Terminal() bool {
	return s == UtteranceCompleted || s == UtteranceCanceled
}

// Utterance is one unit of speech owned by the user or the assistant.
// Completed and canceled are terminal: once reached the state never changes.
type Utterance struct {
	ID            string
	Source        Source
	Interruptible bool

	mu        sync.Mutex
	state     UtteranceState
	canceled  chan struct{}
	done      chan struct{}
	text      string
	spoken    string
	truncated bool
	slot      *Slot
}

func NewUtterance(source Source) *Utterance {
	return &Utterance{
		ID:            uuid.NewString(),
		Source:        source,
		Interruptible: true,
		canceled:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (u *Utterance) State() UtteranceState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Start moves a pending utterance to streaming. When the utterance is bound to
// a slot the slot must be free.
func (u *Utterance) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UtterancePending {
		return fmt.Errorf("utterance %s: start from %s", u.ID, u.state)
	}
	if u.slot != nil {
		if err := u.slot.acquire(u); err != nil {
			return err
		}
	}
	u.state = UtteranceStreaming
	return nil
}

// Complete finishes the utterance. It is a no-op on a terminal utterance and
// reports whether the call changed the state.
func (u *Utterance) Complete() bool {
	return u.finish(UtteranceCompleted)
}

// Cancel requests cancellation and forces the terminal state to canceled.
// Canceling a completed or canceled utterance is a no-op.
func (u *Utterance) Cancel() error {
	u.finish(UtteranceCanceled)
	return nil
}

// Interrupt cancels the utterance like Cancel and also overrides a completed
// state: a barge-in that races the end of playback still ends the utterance
// canceled.
func (u *Utterance) Interrupt() {
	u.mu.Lock()
	if u.state == UtteranceCompleted {
		u.state = UtteranceCanceled
		close(u.canceled)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	_ = u.Cancel()
}

func (u *Utterance) finish(to UtteranceState) bool {
	u.mu.Lock()
	if u.state.Terminal() {
		u.mu.Unlock()
		return false
	}
	u.state = to
	if to == UtteranceCanceled {
		close(u.canceled)
	}
	slot := u.slot
	close(u.done)
	u.mu.Unlock()
	if slot != nil {
		slot.release(u)
	}
	return true
}

// Canceled is closed when Cancel takes effect.
func (u *Utterance) Canceled() <-chan struct{} { return u.canceled }

// Done is closed once the utterance reached a terminal state.
func (u *Utterance) Done() <-chan struct{} { return u.done }

func (u *Utterance) IsCanceled() bool {
	select {
	case <-u.canceled:
		return true
	default:
		return false
	}
}

// AppendText accumulates the text the utterance carries (user transcript or
// generated assistant text).
func (u *Utterance) AppendText(s string) {
	u.mu.Lock()
	u.text += s
	u.mu.Unlock()
}

func (u *Utterance) SetText(s string) {
	u.mu.Lock()
	u.text = s
	u.mu.Unlock()
}

func (u *Utterance) Text() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.text
}

// SetSpoken records what was actually played. truncated marks that the value
// is the full intended text because the played prefix was unknown.
func (u *Utterance) SetSpoken(text string, truncated bool) {
	u.mu.Lock()
	u.spoken = text
	u.truncated = truncated
	u.mu.Unlock()
}

func (u *Utterance) Spoken() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.spoken, u.truncated
}

// Slot enforces that at most one utterance per source is streaming.
type Slot struct {
	mu      sync.Mutex
	source  Source
	current *Utterance
}

func NewSlot(source Source) *Slot {
	return &Slot{source: source}
}

// New creates a pending utterance bound to the slot.
func (s *Slot) New() *Utterance {
	u := NewUtterance(s.source)
	u.slot = s
	return u
}

func (s *Slot) Current() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Slot) acquire(u *Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current != u {
		return fmt.Errorf("%s utterance %s still streaming", s.source, s.current.ID)
	}
	s.current = u
	return nil
}

func (s *Slot) release(u *Utterance) {
	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()
}
