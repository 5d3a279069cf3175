package watchbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisWatchBus uses Redis pub/sub to implement WatchBus. Messages are not
// persisted: only watchers subscribed at publish time receive them.
type RedisWatchBus struct {
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish sends data on the Redis channel named key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.Publish(ctx, key, data).Err()
}

// Watch subscribes to the Redis channel named key. It returns once Redis has
// confirmed the subscription.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ps := b.client.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, defaultBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer func() {
			_ = ps.Close()
			b.forget(key, ch)
		}()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Unwatch stops watching the given key and channel. The channel is closed
// once the subscription has been torn down.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if cancel := b.forget(key, ch); cancel != nil {
		cancel()
	}
	return nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) context.CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cancels[key]
	if !ok {
		return nil
	}
	cancel, ok := m[ch]
	if !ok {
		return nil
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, key)
	}
	return cancel
}
