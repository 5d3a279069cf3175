package watchbus

import (
	"context"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

type natsWatch struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (w *natsWatch) deliver(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- data:
	default:
	}
}

func (w *natsWatch) close() {
	_ = w.sub.Unsubscribe()
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// flushTimeout bounds the subscription round trip when the watch context
// carries no deadline of its own.
const flushTimeout = 5 * time.Second

// NATSWatchBus implements WatchBus on core NATS subjects.
type NATSWatchBus struct {
	conn    *nats.Conn
	mu      sync.Mutex
	watches map[chan []byte]*natsWatch
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{conn: conn, watches: make(map[chan []byte]*natsWatch)}
}

// natsSubject maps a bus key to a literal subject. Wildcard tokens and
// whitespace are not allowed in subjects, so they are replaced.
func natsSubject(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '*', '>':
			return '_'
		}
		return r
	}, key)
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(natsSubject(key), data)
}

// Watch implements WatchBus.Watch. The subscription is flushed to the server
// before Watch returns.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &natsWatch{ch: make(chan []byte, defaultBuffer)}
	sub, err := b.conn.Subscribe(natsSubject(key), func(m *nats.Msg) {
		w.deliver(m.Data)
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	fctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := b.conn.FlushWithContext(fctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	b.mu.Lock()
	b.watches[w.ch] = w
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unwatch(context.Background(), key, w.ch)
	})
	return w.ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.watches[ch]
	delete(b.watches, ch)
	b.mu.Unlock()
	if ok {
		w.close()
	}
	return nil
}
