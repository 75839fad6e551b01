package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/llm"
)

// LLMConfig scripts generations. Responses are handed out in order and the
// last one repeats. A response is streamed word by word.
type LLMConfig struct {
	Responses []string
	// FailCalls makes the first n Stream calls fail before any output. A
	// negative value fails every call.
	FailCalls int
	// ChunkDelay is slept between streamed words.
	ChunkDelay time.Duration
}

type LLMAdapter struct {
	cfg LLMConfig

	mu     sync.Mutex
	calls  int
	served int
	inputs []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if len(cfg.Responses) == 0 {
		cfg.Responses = []string{"mock response"}
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

// Calls reports how many generations were requested.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Inputs returns the requests seen so far.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.inputs...)
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	a.mu.Lock()
	a.calls++
	a.inputs = append(a.inputs, input)
	if fail := a.cfg.FailCalls; fail < 0 || a.calls <= fail {
		a.mu.Unlock()
		return nil, errors.New("mock llm: upstream unavailable")
	}
	i := a.served
	if i >= len(a.cfg.Responses) {
		i = len(a.cfg.Responses) - 1
	}
	a.served++
	text := a.cfg.Responses[i]
	a.mu.Unlock()

	out := make(chan llm.Chunk, 4)
	go func() {
		defer close(out)
		words := strings.Fields(text)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if a.cfg.ChunkDelay > 0 && i > 0 {
				select {
				case <-time.After(a.cfg.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- llm.Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		usage := &llm.Usage{
			PromptTokens:     promptTokens(input),
			CompletionTokens: len(words),
			TotalTokens:      promptTokens(input) + len(words),
		}
		select {
		case out <- llm.Chunk{Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func promptTokens(input llm.Context) int {
	n := len(strings.Fields(input.System))
	for _, m := range input.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

var _ llm.Adapter = (*LLMAdapter)(nil)
