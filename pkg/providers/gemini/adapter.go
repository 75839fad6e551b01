package gemini

import (
	"context"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

const DefaultModel = "gemini-2.0-flash-exp"

// Config selects the backend: Vertex AI when Project is set, the Gemini API
// otherwise.
type Config struct {
	APIKey          string  `mapstructure:"api_key"`
	Project         string  `mapstructure:"project"`
	Location        string  `mapstructure:"location"`
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
}

type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

type Adapter struct {
	cfg    Config
	stream streamFunc
}

func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" {
		if cfg.Location == "" {
			cfg.Location = "us-central1"
		}
		cc = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	} else if cfg.APIKey == "" {
		return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "gemini: api key or project is required")
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	return &Adapter{cfg: cfg, stream: client.Models.GenerateContentStream}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	contents := toContents(input.Messages)
	if len(contents) == 0 {
		return nil, errorsx.Errorf(errorsx.ReasonLLMGenerate, "gemini: empty conversation")
	}
	gc := &genai.GenerateContentConfig{}
	if input.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(input.System, genai.RoleUser)
	}
	if a.cfg.Temperature > 0 {
		gc.Temperature = genai.Ptr(float32(a.cfg.Temperature))
	}
	if a.cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = int32(a.cfg.MaxOutputTokens)
	}

	out := make(chan llm.Chunk, 64)
	go func() {
		defer close(out)
		var usage *llm.Usage
		for resp, err := range a.stream(ctx, a.cfg.Model, contents, gc) {
			if err != nil {
				if ctx.Err() == nil {
					select {
					case out <- llm.Chunk{Err: classify(err)}:
					case <-ctx.Done():
					}
				}
				return
			}
			if resp == nil {
				continue
			}
			if m := resp.UsageMetadata; m != nil {
				usage = &llm.Usage{
					PromptTokens:     int(m.PromptTokenCount),
					CompletionTokens: int(m.CandidatesTokenCount),
					TotalTokens:      int(m.TotalTokenCount),
				}
			}
			if text := resp.Text(); text != "" {
				select {
				case out <- llm.Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if usage != nil {
			select {
			case out <- llm.Chunk{Usage: usage}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// toContents maps history onto alternating user and model contents.
func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota") {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: err.Error()}, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMStream)
}

var _ llm.Adapter = (*Adapter)(nil)
