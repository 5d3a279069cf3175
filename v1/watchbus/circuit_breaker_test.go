package watchbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryWatchBus
	err error
}

func (f *flakyBus) Publish(ctx context.Context, key string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	return f.InMemoryWatchBus.Publish(ctx, key, data)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryWatchBus: NewInMemory()}
	cb := NewCircuitBreaker(fb, 2, 50*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	fb.err = boom
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !cb.Healthy() {
		t.Fatal("one failure must not open the circuit")
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if cb.Healthy() {
		t.Fatal("expected open circuit after threshold")
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	// a failed probe reopens at once
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, boom) {
		t.Fatalf("expected probe to reach the bus, got %v", err)
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after failed probe, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	fb.err = nil
	if err := cb.Publish(ctx, "k", nil); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !cb.Healthy() || cb.failures != 0 {
		t.Fatalf("expected closed circuit, failures %d", cb.failures)
	}
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	bus := NewInMemory()
	cb := NewCircuitBreaker(bus, 3, time.Minute)
	ctx := context.Background()
	ch, err := cb.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := cb.Publish(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "v" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}
	if err := cb.Unwatch(ctx, "k", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
}
