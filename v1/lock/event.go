package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is published on the lifecycle bus at every state transition of an
// attempt.
type Event struct {
	Owner string    `json:"owner"`
	Node  string    `json:"node,omitempty"`
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// EventsKey returns the bus key carrying lifecycle events for root.
func EventsKey(root string) string {
	return "zlock:events:" + root
}

const (
	defaultEventTimeout = 2 * time.Second
	maxPendingEvents    = 256
)

// eventQueue hands lifecycle events to the bus off the lock path. A single
// drainer runs while events are pending, which keeps their order.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	running bool
	dropped uint64
}

// publish queues ev. It never blocks: a full queue drops the event.
func (l *Locker) publish(ev Event) {
	if l.bus == nil {
		return
	}
	q := &l.events
	q.mu.Lock()
	if len(q.pending) >= maxPendingEvents {
		q.dropped++
		n := q.dropped
		q.mu.Unlock()
		l.log.Debug("zlock: event queue full", "owner", ev.Owner, "state", ev.State, "dropped", n)
		return
	}
	q.pending = append(q.pending, ev)
	start := !q.running
	q.running = true
	q.mu.Unlock()
	if start {
		go l.drainEvents()
	}
}

func (l *Locker) drainEvents() {
	q := &l.events
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		l.send(ev)
	}
}

func (l *Locker) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("zlock: encode event", "owner", ev.Owner, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.eventTimeout)
	defer cancel()
	if err := l.bus.Publish(ctx, EventsKey(l.root), data); err != nil {
		l.log.Debug("zlock: publish event", "owner", ev.Owner, "state", ev.State, "error", err)
	}
}
