package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-zlock/v1/watchbus"
)

const (
	// DefaultRoot is the parent of lock nodes unless WithRoot says otherwise.
	DefaultRoot = "/locks"
	// DefaultName prefixes every lock node name.
	DefaultName = "lock-"

	defaultReleaseTimeout = 5 * time.Second
)

// Option configures a Locker.
type Option func(*Locker)

// WithRoot sets the persistent node under which lock nodes are created. Use
// one root, or one name, per protected resource.
func WithRoot(root string) Option {
	return func(l *Locker) {
		l.root = root
	}
}

// WithName sets the prefix of lock node names. Several names may share a
// root; each forms an independent queue.
func WithName(name string) Option {
	return func(l *Locker) {
		l.name = name
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Locker) {
		if log != nil {
			l.log = log
		}
	}
}

// WithEvents publishes a JSON Event for every state transition on bus,
// under EventsKey(root). Publishing happens in the background; a slow bus
// delays or drops events but never an attempt.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(l *Locker) {
		l.bus = bus
	}
}

// WithBroadWatch makes waiters re-rank on every change below the root
// instead of watching their predecessor only. Every release then wakes all
// waiters. Kept for comparison.
func WithBroadWatch() Option {
	return func(l *Locker) {
		l.broad = true
	}
}

// WithReleaseTimeout bounds the delete issued when an attempt ends.
func WithReleaseTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.releaseTimeout = d
		}
	}
}

// WithEventTimeout bounds each event publish. Defaults to two seconds.
func WithEventTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.eventTimeout = d
		}
	}
}
