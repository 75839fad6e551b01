package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

// CircuitBreakerAdapter wraps an Adapter with rate-limit circuit breaking.
// The breaker is shared by all sessions using the adapter.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return nil, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	ch, err := a.inner.Stream(ctx, input)
	if err != nil {
		a.onError(err)
		return nil, err
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for c := range ch {
			if c.Err != nil {
				a.onError(c.Err)
			} else if c.Usage != nil {
				a.breaker.OnSuccess()
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *CircuitBreakerAdapter) onError(err error) {
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.Record(metrics.Sample{
		Stage: metrics.StageLLM,
		Kind:  metrics.KindCount,
		Name:  name,
		Value: 1,
		Time:  time.Now(),
		Tags:  map[string]string{"provider": a.inner.Name()},
	})
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if changed && open {
		a.record(metrics.EventBreakerOpen)
	}
}
