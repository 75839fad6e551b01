package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
)

// Backpressure policy for the inbound queue.
const (
	BackpressureDrop = "drop"
	BackpressureWait = "wait"
)

var ErrBusClosed = errors.New("pipeline: bus closed")

type BusConfig struct {
	InboundCapacity  int
	OutboundCapacity int
	// Backpressure is "drop" (default) or "wait".
	Backpressure string
}

func (c BusConfig) withDefaults() BusConfig {
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = 256
	}
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = 64
	}
	if c.Backpressure != BackpressureWait {
		c.Backpressure = BackpressureDrop
	}
	return c
}

// Bus carries audio between the transport and the session stages. Inbound
// frames flow transport -> VAD, outbound frames flow TTS -> transport.
type Bus struct {
	cfg    BusConfig
	in     chan frames.AudioFrame
	out    chan frames.AudioFrame
	rec    *metrics.Recorder
	logger *slog.Logger

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func NewBus(cfg BusConfig, rec *metrics.Recorder, logger *slog.Logger) *Bus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		in:     make(chan frames.AudioFrame, cfg.InboundCapacity),
		out:    make(chan frames.AudioFrame, cfg.OutboundCapacity),
		rec:    rec,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// PublishInbound queues a frame received from the transport. Under the drop
// policy it never blocks and reports false when the frame was discarded.
func (b *Bus) PublishInbound(ctx context.Context, f frames.AudioFrame) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrBusClosed
	}
	if b.cfg.Backpressure == BackpressureDrop {
		select {
		case b.in <- f:
			return true, nil
		default:
			b.rec.Count(metrics.StageBus, metrics.EventInboundDropped)
			return false, nil
		}
	}
	select {
	case b.in <- f:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.done:
		return false, ErrBusClosed
	}
}

// Inbound is closed by Close.
func (b *Bus) Inbound() <-chan frames.AudioFrame { return b.in }

// PublishOutbound blocks until the frame is queued for the transport.
func (b *Bus) PublishOutbound(ctx context.Context, f frames.AudioFrame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

func (b *Bus) Outbound() <-chan frames.AudioFrame { return b.out }

// FlushOutbound discards every queued outbound frame and returns how many
// were dropped.
func (b *Bus) FlushOutbound() int {
	n := 0
	for {
		select {
		case _, ok := <-b.out:
			if !ok {
				return n
			}
			n++
		default:
			if n > 0 {
				b.rec.Record(metrics.Sample{Stage: metrics.StageBus, Kind: metrics.KindCount, Name: metrics.EventOutboundFlushed, Value: float64(n)})
				b.logger.Debug("bus_outbound_flushed", "frames", n)
			}
			return n
		}
	}
}

// Close releases blocked publishers and closes both queues. Safe to call twice.
func (b *Bus) Close() {
	b.doneOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.in)
	close(b.out)
}
