package watchbus

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	buffer int
}

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithBuffer sets the per-watcher channel capacity. Values below one are
// raised to one.
func WithBuffer(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		if n < 1 {
			n = 1
		}
		b.buffer = n
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{subs: make(map[string][]chan []byte), buffer: defaultBuffer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data to all watchers of key. Watchers with a full buffer miss
// the message.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// sending under the lock keeps Unwatch from closing a channel mid-send
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unwatch(context.Background(), key, ch)
	})
	return ch, nil
}

// Unwatch removes the channel from key watchers.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}
