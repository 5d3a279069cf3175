package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
	"github.com/mirkobrombin/go-zlock/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-zlock/v1/lock")

// Locker hands out one lock, identified by its root and name, to any number
// of concurrent attempts. A Locker is safe for concurrent use; attempts from
// different processes coordinate through the service alone.
type Locker struct {
	client         coord.Client
	root           string
	name           string
	log            *slog.Logger
	bus            watchbus.WatchBus
	broad          bool
	releaseTimeout time.Duration
	eventTimeout   time.Duration

	events   eventQueue
	registry *registry
	wakeups  atomic.Uint64
}

// New returns a Locker over client.
func New(client coord.Client, opts ...Option) (*Locker, error) {
	l := &Locker{
		client:         client,
		root:           DefaultRoot,
		name:           DefaultName,
		log:            slog.Default(),
		releaseTimeout: defaultReleaseTimeout,
		eventTimeout:   defaultEventTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", zlockerrors.ErrInvalidArgument)
	}
	if err := coord.Validate(l.root); err != nil {
		return nil, err
	}
	if l.name == "" || strings.Contains(l.name, "/") {
		return nil, fmt.Errorf("%w: lock name %q", zlockerrors.ErrInvalidArgument, l.name)
	}
	l.registry = newRegistry(client)
	return l, nil
}

// Root returns the lock root.
func (l *Locker) Root() string { return l.root }

// Name returns the lock node prefix.
func (l *Locker) Name() string { return l.name }

// Client returns the coordination client the Locker runs on.
func (l *Locker) Client() coord.Client { return l.client }

// Provision creates the lock root and its ancestors if missing. It is
// idempotent and meant to run once before competitors start.
func (l *Locker) Provision(ctx context.Context) error {
	return coord.EnsurePath(ctx, l.client, l.root)
}

// Clear deletes every node of this lock below the root, including nodes
// left by live holders. It is meant for resetting state before a run.
// Nodes of other lock names sharing the root are left alone.
func (l *Locker) Clear(ctx context.Context) (int, error) {
	names, err := l.client.Children(ctx, l.root)
	if errors.Is(err, zlockerrors.ErrNoNode) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("zlock: clear %s: %w", l.root, err)
	}
	n := 0
	for _, name := range names {
		if _, ok := coord.Sequence(name, l.name); !ok {
			continue
		}
		err := l.client.Delete(ctx, coord.Join(l.root, name))
		if err != nil && !errors.Is(err, zlockerrors.ErrNoNode) {
			return n, fmt.Errorf("zlock: clear %s: %w", name, err)
		}
		if err == nil {
			n++
		}
	}
	return n, nil
}

// Acquire competes for the lock and runs fn while holding it. fn runs at
// most once, synchronously, with ctx.
//
// With NoWait a busy lock fails with an error matching ErrFailedToLock.
// With WaitTimeout an expired wait fails with ErrTimeout, unless fn had
// already started, in which case fn completes and its result is returned.
// Cancelling ctx while waiting abandons the attempt and returns ctx.Err().
// In every case the attempt's node is gone when Acquire returns.
func (l *Locker) Acquire(ctx context.Context, owner string, mode Mode, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", zlockerrors.ErrInvalidArgument)
	}
	if mode.kind == modeTimeout && mode.timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", zlockerrors.ErrInvalidArgument, mode.timeout)
	}
	if owner == "" {
		owner = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "Locker.Acquire", trace.WithAttributes(
		attribute.String("zlock.owner", owner),
		attribute.String("zlock.root", l.root),
		attribute.String("zlock.mode", mode.String()),
	))
	defer span.End()

	s := newSession(ctx, l, owner)
	outcome, err := s.run(ctx, mode, fn)

	metrics.AcquireCounter.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.String("zlock.node", s.node),
		attribute.String("zlock.outcome", outcome),
	)
	if err != nil && outcome != outcomeAcquired {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TryDo runs fn only if the lock is free right now.
func (l *Locker) TryDo(ctx context.Context, owner string, fn func(context.Context) error) error {
	return l.Acquire(ctx, owner, NoWait(), fn)
}

// Do waits as long as needed, or until ctx is done, then runs fn.
func (l *Locker) Do(ctx context.Context, owner string, fn func(context.Context) error) error {
	return l.Acquire(ctx, owner, WaitForever(), fn)
}

// DoTimeout waits at most d for the lock, then runs fn.
func (l *Locker) DoTimeout(ctx context.Context, owner string, d time.Duration, fn func(context.Context) error) error {
	return l.Acquire(ctx, owner, WaitTimeout(d), fn)
}
