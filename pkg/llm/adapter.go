package llm

import (
	"context"

	"github.com/harunnryd/voxturn/pkg/dialogue"
)

type Message struct {
	Role    string
	Content string
}

// Context is the generation request built from the dialogue history.
type Context struct {
	System   string
	Messages []Message
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one streamed piece of a generation. A chunk carrying Err is the
// last one; Usage is set at most once, usually on the last chunk.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

type Adapter interface {
	Name() string
	// Stream starts a generation. The channel is closed when the model
	// stopped, failed or ctx ended.
	Stream(ctx context.Context, input Context) (<-chan Chunk, error)
}

// FromDialogue maps history turns onto a request. System turns are folded
// into Context.System.
func FromDialogue(turns []dialogue.Turn) Context {
	var c Context
	for _, t := range turns {
		switch t.Role {
		case dialogue.RoleSystem:
			if c.System != "" {
				c.System += "\n"
			}
			c.System += t.Text
		default:
			if t.Text == "" {
				continue
			}
			c.Messages = append(c.Messages, Message{Role: string(t.Role), Content: t.Text})
		}
	}
	return c
}
