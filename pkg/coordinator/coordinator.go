package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxturn/pkg/aggregators"
	"github.com/harunnryd/voxturn/pkg/dialogue"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/metrics"
)

const DefaultApology = "Sorry, I'm having trouble answering right now. Could you say that again?"

type Config struct {
	MinChunkChars int
	MaxChunkChars int
	ApologyText   string
	RetryDelay    time.Duration
	Replacements  map[string]string
}

// Result describes one response. Text is everything forwarded to synthesis.
type Result struct {
	Text     string
	Usage    llm.Usage
	Apology  bool
	Canceled bool
	Err      error
}

// Coordinator streams model output into speakable chunks.
type Coordinator struct {
	adapter    llm.Adapter
	cfg        Config
	normalizer *aggregators.TextNormalizer
	rec        *metrics.Recorder
	logger     *slog.Logger
}

func New(adapter llm.Adapter, cfg Config, rec *metrics.Recorder, logger *slog.Logger) *Coordinator {
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApology
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		adapter:    adapter,
		cfg:        cfg,
		normalizer: aggregators.NewTextNormalizer(aggregators.TextNormalizerConfig{Replacements: cfg.Replacements}),
		rec:        rec,
		logger:     logger,
	}
}

type response struct {
	sink      chan<- string
	forwarded []string
	started   time.Time
	firstTok  bool
}

// Respond generates a reply to history and forwards chunks to sink, closing
// it when done. A failure before anything was forwarded is retried once with
// the same history; after that the static apology is forwarded instead and
// the result carries a generation_failed error.
func (c *Coordinator) Respond(ctx context.Context, history []dialogue.Turn, sink chan<- string) Result {
	defer close(sink)
	input := llm.FromDialogue(history)
	r := &response{sink: sink, started: time.Now()}

	usage, err := llm.Retry(ctx, llm.RetryConfig{MaxAttempts: 2, BaseDelay: c.cfg.RetryDelay}, func(ctx context.Context, attempt int) (llm.Usage, error) {
		if attempt > 1 {
			c.rec.Count(metrics.StageLLM, metrics.EventRetry)
			c.logger.Warn("llm_retry", "attempt", attempt)
		}
		return c.generate(ctx, input, r)
	})
	res := Result{Text: strings.Join(r.forwarded, " "), Usage: usage}
	if err == nil {
		c.recordUsage(usage)
		return res
	}
	if ctx.Err() != nil {
		res.Canceled = true
		return res
	}

	res.Err = errorsx.Errorf(errorsx.ReasonGenerationFailed, "%s: %w", c.adapter.Name(), err)
	c.rec.Count(metrics.StageLLM, metrics.EventGenerationFailed)
	c.logger.Error("llm_generation_failed", "provider", c.adapter.Name(), "reason_code", errorsx.ReasonGenerationFailed, "forwarded", len(r.forwarded), "error", err)
	if len(r.forwarded) > 0 {
		return res
	}
	if c.send(ctx, r, c.cfg.ApologyText) {
		res.Apology = true
		res.Text = c.cfg.ApologyText
	} else {
		res.Canceled = true
	}
	return res
}

func (c *Coordinator) generate(ctx context.Context, input llm.Context, r *response) (llm.Usage, error) {
	stream, err := c.adapter.Stream(ctx, input)
	if err != nil {
		return llm.Usage{}, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	agg := aggregators.NewTextAggregator(aggregators.AggregatorConfig{MinLen: c.cfg.MinChunkChars, MaxLen: c.cfg.MaxChunkChars})
	var usage llm.Usage
	for {
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return usage, ctx.Err()
				}
				if rest := agg.Flush(); rest != "" && !c.send(ctx, r, rest) {
					return usage, ctx.Err()
				}
				return usage, nil
			}
			if chunk.Err != nil {
				err := errorsx.Wrap(chunk.Err, errorsx.ReasonLLMStream)
				if len(r.forwarded) > 0 {
					return usage, fmt.Errorf("%w: %w", llm.ErrPartialOutput, err)
				}
				return usage, err
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Text == "" {
				continue
			}
			if !r.firstTok {
				r.firstTok = true
				c.rec.Latency(metrics.StageLLM, metrics.EventFirstToken, time.Since(r.started))
			}
			for _, ready := range agg.AddToken(chunk.Text) {
				if !c.send(ctx, r, ready) {
					return usage, ctx.Err()
				}
			}
		}
	}
}

// send normalizes and forwards one chunk. It reports false when ctx ended.
func (c *Coordinator) send(ctx context.Context, r *response, text string) bool {
	text = c.normalizer.Normalize(text)
	if text == "" {
		return true
	}
	select {
	case r.sink <- text + " ":
		r.forwarded = append(r.forwarded, text)
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) recordUsage(u llm.Usage) {
	if u.PromptTokens > 0 {
		c.rec.Tokens(metrics.StageLLM, metrics.NamePromptTokens, u.PromptTokens)
	}
	if u.CompletionTokens > 0 {
		c.rec.Tokens(metrics.StageLLM, metrics.NameCompletionTokens, u.CompletionTokens)
	}
}
