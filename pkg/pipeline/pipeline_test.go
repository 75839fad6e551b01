package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
)

func audio(pts int64) frames.AudioFrame {
	return frames.NewAudioFrame("s1", pts, make([]byte, 320), 8000, 1, nil)
}

func TestBusInboundDropNeverBlocks(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	bus := NewBus(BusConfig{InboundCapacity: 2}, metrics.NewRecorder(mem, nil), nil)
	defer bus.Close()

	accepted := 0
	for i := 0; i < 5; i++ {
		ok, err := bus.PublishInbound(context.Background(), audio(int64(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if ok {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted frames, got %d", accepted)
	}
	if n := len(mem.Named(metrics.EventInboundDropped)); n != 3 {
		t.Fatalf("expected 3 drop samples, got %d", n)
	}
}

func TestBusInboundWaitHonorsContext(t *testing.T) {
	bus := NewBus(BusConfig{InboundCapacity: 1, Backpressure: BackpressureWait}, nil, nil)
	defer bus.Close()
	if _, err := bus.PublishInbound(context.Background(), audio(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bus.PublishInbound(ctx, audio(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBusFlushOutbound(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	bus := NewBus(BusConfig{OutboundCapacity: 8}, metrics.NewRecorder(mem, nil), nil)
	defer bus.Close()
	for i := 0; i < 3; i++ {
		if err := bus.PublishOutbound(context.Background(), audio(int64(i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if n := bus.FlushOutbound(); n != 3 {
		t.Fatalf("expected 3 flushed frames, got %d", n)
	}
	if n := bus.FlushOutbound(); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	samples := mem.Named(metrics.EventOutboundFlushed)
	if len(samples) != 1 || samples[0].Value != 3 {
		t.Fatalf("unexpected flush samples %+v", samples)
	}
}

func TestBusCloseReleasesPublishers(t *testing.T) {
	bus := NewBus(BusConfig{OutboundCapacity: 1}, nil, nil)
	_ = bus.PublishOutbound(context.Background(), audio(1))
	errCh := make(chan error, 1)
	go func() { errCh <- bus.PublishOutbound(context.Background(), audio(2)) }()
	time.Sleep(10 * time.Millisecond)
	bus.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBusClosed) {
			t.Fatalf("expected ErrBusClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publisher still blocked after close")
	}
	bus.Close()
}

func TestRegistryTracksRunningSessions(t *testing.T) {
	reg := NewSessionRegistry()
	release := make(chan struct{})
	sess, err := reg.Start(context.Background(), "a", "room", func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := reg.Start(context.Background(), "a", "room", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 running session, got %d", reg.Count())
	}
	close(release)
	<-sess.Done()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("registry did not drain")
	}
}

func TestRegistryCloseAllCancels(t *testing.T) {
	reg := NewSessionRegistry()
	sess, err := reg.Start(context.Background(), "b", "room", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	reg.CloseAll()
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatalf("session not canceled")
	}
	if !errors.Is(sess.Err(), context.Canceled) {
		t.Fatalf("expected canceled, got %v", sess.Err())
	}
	reg.SetDraining(true)
	if _, err := reg.Start(context.Background(), "c", "room", func(context.Context) error { return nil }); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
}
