package watchbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
}

func TestInMemoryWatchBusKeysAreIsolated(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	foo, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	bar, err := bus.Watch(ctx, "bar")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "bar", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-bar:
		if string(msg) != "b" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bar")
	}
	select {
	case msg := <-foo:
		t.Fatalf("foo received %s", msg)
	default:
	}
}

func TestInMemoryWatchBusFullBufferDrops(t *testing.T) {
	bus := NewInMemory(WithBuffer(1))
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for _, m := range []string{"a", "b"} {
		if err := bus.Publish(ctx, "foo", []byte(m)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if msg := <-ch; string(msg) != "a" {
		t.Fatalf("unexpected %s", msg)
	}
	select {
	case msg := <-ch:
		t.Fatalf("expected second message dropped, got %s", msg)
	default:
	}
}

func TestInMemoryWatchBusContextCancelUnwatches(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("watch not closed on cancel")
	}
	bus.mu.Lock()
	n := len(bus.subs["foo"])
	bus.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}

func TestInMemoryWatchBusCancelledContext(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Watch(ctx, "foo"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if err := bus.Publish(ctx, "foo", nil); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
