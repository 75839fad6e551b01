package voxturn

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/transports"
)

type STTFactoryBuilder func(cfg Config, logger *slog.Logger) (stt.Factory, error)
type TTSFactoryBuilder func(cfg Config, logger *slog.Logger) (tts.Factory, error)
type LLMFactory func(ctx context.Context, cfg Config) (llm.Adapter, error)
type ListenerFactory func(cfg Config, logger *slog.Logger) (transports.Listener, error)

// ProviderRegistry maps provider selectors from the config file onto
// builders. Names are matched case-insensitively.
type ProviderRegistry struct {
	stt       map[string]STTFactoryBuilder
	tts       map[string]TTSFactoryBuilder
	llm       map[string]LLMFactory
	listeners map[string]ListenerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactoryBuilder),
		tts:       make(map[string]TTSFactoryBuilder),
		llm:       make(map[string]LLMFactory),
		listeners: make(map[string]ListenerFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterListener(name string, factory ListenerFactory) {
	r.listeners[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, logger *slog.Logger) (stt.Factory, error) {
	fn := r.stt[normalizeName(provider)]
	if fn == nil {
		return nil, unregistered("stt", provider, r.stt)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config, logger *slog.Logger) (tts.Factory, error) {
	fn := r.tts[normalizeName(provider)]
	if fn == nil {
		return nil, unregistered("tts", provider, r.tts)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, provider string, cfg Config) (llm.Adapter, error) {
	fn := r.llm[normalizeName(provider)]
	if fn == nil {
		return nil, unregistered("llm", provider, r.llm)
	}
	return fn(ctx, cfg)
}

func (r *ProviderRegistry) BuildListener(provider string, cfg Config, logger *slog.Logger) (transports.Listener, error) {
	fn := r.listeners[normalizeName(provider)]
	if fn == nil {
		return nil, unregistered("transport", provider, r.listeners)
	}
	return fn(cfg, logger)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func unregistered[T any](kind, provider string, known map[string]T) error {
	names := make([]string, 0, len(known))
	for k := range known {
		names = append(names, k)
	}
	sort.Strings(names)
	return errorsx.Errorf(errorsx.ReasonConfiguration, "%s provider not registered: %q (known: %s)",
		kind, provider, strings.Join(names, ", "))
}
