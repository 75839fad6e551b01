package aggregators

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// TextAggregator batches streamed tokens into speakable chunks cut at
// sentence boundaries.
type TextAggregator struct {
	mu      sync.Mutex
	cfg     AggregatorConfig
	sb      strings.Builder
	history []string
}

func NewTextAggregator(cfg AggregatorConfig) *TextAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 240
	}
	if cfg.MaxLen < cfg.MinLen {
		cfg.MaxLen = cfg.MinLen
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	return &TextAggregator{cfg: cfg}
}

// AddToken appends tok and returns the chunks that became ready.
func (a *TextAggregator) AddToken(tok string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(tok)
	var out []string
	for {
		text := a.sb.String()
		cut := a.cutPoint(text)
		if cut <= 0 {
			return out
		}
		chunk := strings.TrimSpace(text[:cut])
		rest := text[cut:]
		a.sb.Reset()
		a.sb.WriteString(rest)
		if chunk != "" {
			out = append(out, chunk)
			a.appendHistory(chunk)
		}
	}
}

// Flush returns whatever is buffered.
func (a *TextAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	if out != "" {
		a.appendHistory(out)
	}
	return out
}

// cutPoint returns the end of the first ready chunk in text, or 0.
func (a *TextAggregator) cutPoint(text string) int {
	for i := 0; i < len(text); i++ {
		if !isSentenceEnd(text, i) {
			continue
		}
		if len(strings.TrimSpace(text[:i+1])) >= a.cfg.MinLen {
			return i + 1
		}
	}
	if len(text) <= a.cfg.MaxLen {
		return 0
	}
	if sp := strings.LastIndexByte(text[:a.cfg.MaxLen], ' '); sp > 0 {
		return sp + 1
	}
	// Forced cut: never split a multi-byte rune.
	cut := a.cfg.MaxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return cut
}

// isSentenceEnd reports a terminator followed by whitespace. A terminator at
// the very end is not final yet because the next token may continue it
// ("3." then "5").
func isSentenceEnd(text string, i int) bool {
	c := text[i]
	if c == '\n' {
		return true
	}
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	if i+1 >= len(text) {
		return false
	}
	n := text[i+1]
	return n == ' ' || n == '\n' || n == '\t'
}

func (a *TextAggregator) appendHistory(text string) {
	if a.cfg.MaxHistory <= 0 {
		return
	}
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

func (a *TextAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

var _ Aggregator = (*TextAggregator)(nil)
