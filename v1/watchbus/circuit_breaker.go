package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Publish while the wrapped bus
// is considered down.
var ErrCircuitOpen = errors.New("zlock: watch bus circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

// CircuitBreaker stops publishing to a bus after repeated failures and lets
// a single probe through once the cool-down has passed. Watches pass
// through untouched.
type CircuitBreaker struct {
	bus       WatchBus
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	lastFail time.Time
}

var _ WatchBus = (*CircuitBreaker)(nil)

// NewCircuitBreaker wraps bus. The circuit opens after threshold
// consecutive publish failures and stays open for cooldown.
func NewCircuitBreaker(bus WatchBus, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{bus: bus, threshold: threshold, cooldown: cooldown}
}

// Healthy reports whether a publish would currently be attempted.
func (cb *CircuitBreaker) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != breakerOpen || time.Since(cb.lastFail) > cb.cooldown
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = breakerProbing
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = breakerClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == breakerProbing || cb.failures >= cb.threshold {
		cb.state = breakerOpen
	}
}

// Publish implements WatchBus.Publish.
func (cb *CircuitBreaker) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key, data)
	cb.record(err)
	return err
}

// Watch implements WatchBus.Watch.
func (cb *CircuitBreaker) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// Unwatch implements WatchBus.Unwatch.
func (cb *CircuitBreaker) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
