package dialogue

import (
	"sync"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one appended entry. Turns are never modified after Append.
type Turn struct {
	Role        Role
	Text        string
	Timestamp   time.Time
	Truncated   bool
	UtteranceID string
}

// Context is the ordered dialogue history of a session.
type Context struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewContext(systemPrompt string) *Context {
	c := &Context{}
	if systemPrompt != "" {
		c.Append(Turn{Role: RoleSystem, Text: systemPrompt})
	}
	return c
}

// Append adds a turn at the end and returns its index.
func (c *Context) Append(t Turn) int {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	return len(c.turns) - 1
}

// Snapshot returns a copy of the history.
func (c *Context) Snapshot() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Last returns the most recent turn with the given role.
func (c *Context) Last(role Role) (Turn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == role {
			return c.turns[i], true
		}
	}
	return Turn{}, false
}
