package lock

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-zlock/v1/coord"
)

// registry fans predecessor removals out to the waiters queued behind them.
// One existence watch is armed per predecessor path no matter how many
// waiters share it.
type registry struct {
	client coord.Client

	mu      sync.Mutex
	entries map[string]*watchEntry
}

type watchEntry struct {
	path    string
	ready   chan struct{} // closed once the watch is armed or failed
	err     error
	cancel  context.CancelFunc
	fired   bool
	waiters map[*waiter]struct{}
}

type waiter struct {
	ch chan struct{}
}

func newRegistry(client coord.Client) *registry {
	return &registry{client: client, entries: make(map[string]*watchEntry)}
}

// wait returns a channel closed once path is gone, or once the watch on it
// ended for another reason; either way the caller re-ranks. The returned
// func unregisters the waiter and must be called exactly once.
func (r *registry) wait(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	w := &waiter{ch: make(chan struct{})}

	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		wctx, cancel := context.WithCancel(context.Background())
		e = &watchEntry{
			path:    path,
			ready:   make(chan struct{}),
			cancel:  cancel,
			waiters: make(map[*waiter]struct{}),
		}
		r.entries[path] = e
		e.waiters[w] = struct{}{}
		r.mu.Unlock()
		r.arm(wctx, e)
	} else {
		e.waiters[w] = struct{}{}
		r.mu.Unlock()
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		r.leave(e, w)
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		r.leave(e, w)
		return nil, nil, e.err
	}
	return w.ch, func() { r.leave(e, w) }, nil
}

func (r *registry) arm(ctx context.Context, e *watchEntry) {
	exists, ch, err := r.client.ExistsW(ctx, e.path)
	if err != nil {
		r.mu.Lock()
		e.err = err
		if r.entries[e.path] == e {
			delete(r.entries, e.path)
		}
		r.mu.Unlock()
		e.cancel()
		close(e.ready)
		return
	}
	close(e.ready)
	if !exists {
		e.cancel()
		r.fire(e)
		return
	}
	go func() {
		_, ok := <-ch
		if !ok && ctx.Err() != nil {
			// dropped because the last waiter left
			return
		}
		r.fire(e)
	}()
}

func (r *registry) fire(e *watchEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.fired {
		return
	}
	e.fired = true
	if r.entries[e.path] == e {
		delete(r.entries, e.path)
	}
	for w := range e.waiters {
		close(w.ch)
	}
}

func (r *registry) leave(e *watchEntry, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(e.waiters, w)
	if len(e.waiters) > 0 || e.fired {
		return
	}
	if r.entries[e.path] == e {
		delete(r.entries, e.path)
	}
	e.fired = true
	e.cancel()
}

// size reports the number of armed predecessor watches.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
