package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
)

const (
	outcomeAcquired  = "acquired"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

// session is a single attempt. It owns at most one lock node.
type session struct {
	l     *Locker
	log   *slog.Logger
	owner string
	ctx   context.Context // caller context, detached for release

	node string
	seq  int64

	progress atomic.Int32
	state    atomic.Int32
	released atomic.Bool

	cancelWait context.CancelFunc
	guard      *timeoutGuard
}

func newSession(ctx context.Context, l *Locker, owner string) *session {
	s := &session{
		l:          l,
		log:        l.log,
		owner:      owner,
		ctx:        ctx,
		cancelWait: func() {},
	}
	s.progress.Store(notStarted)
	return s
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	s.l.publish(Event{Owner: s.owner, Node: s.node, State: st, At: time.Now()})
}

func (s *session) currentState() State {
	return State(s.state.Load())
}

// release deletes the lock node once. A node already gone counts as
// released; other failures are logged and left to the ephemeral lifetime.
func (s *session) release() {
	if s.node == "" || !s.released.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.l.releaseTimeout)
	defer cancel()
	err := s.l.client.Delete(ctx, s.node)
	switch {
	case err == nil, errors.Is(err, zlockerrors.ErrNoNode):
		s.log.Debug("zlock: lock node released", "owner", s.owner, "node", s.node)
	default:
		metrics.ReleaseFailureCounter.Inc()
		s.log.Warn("zlock: release lock node", "owner", s.owner, "node", s.node, "error", err)
	}
}

// abandoned resolves an attempt whose wait ended without the lock. The
// guard and caller cancellation race for the marker; the loser reports the
// winner's outcome.
func (s *session) abandoned(ctx context.Context) (string, error) {
	if s.progress.CompareAndSwap(notStarted, done) {
		s.release()
		if err := ctx.Err(); err != nil {
			s.log.Info("zlock: lock wait cancelled", "owner", s.owner, "node", s.node)
			s.setState(StateFailed)
			return outcomeCancelled, err
		}
		// unreachable in practice: the wait context only ends through the
		// guard or the caller
		s.setState(StateFailed)
		return outcomeError, fmt.Errorf("zlock: wait ended unexpectedly: %w", zlockerrors.ErrFailedToLock)
	}
	s.guard.wait()
	return outcomeTimeout, zlockerrors.ErrTimeout
}

// fail releases the node after an unrecoverable error, unless the guard got
// there first, in which case the attempt reports the timeout.
func (s *session) fail(err error) (string, error) {
	if !s.progress.CompareAndSwap(notStarted, done) {
		s.guard.wait()
		return outcomeTimeout, zlockerrors.ErrTimeout
	}
	s.release()
	s.setState(StateFailed)
	return outcomeError, err
}

type sibling struct {
	name string
	seq  int64
}

// rank lists the lock's siblings and locates the own node. It returns the
// own index and the path of the immediate predecessor, if any.
func (s *session) rank(ctx context.Context) (int, string, error) {
	names, err := s.l.client.Children(ctx, s.l.root)
	if err != nil {
		return 0, "", fmt.Errorf("zlock: list %s: %w", s.l.root, err)
	}
	sibs := make([]sibling, 0, len(names))
	for _, name := range names {
		if seq, ok := coord.Sequence(name, s.l.name); ok {
			sibs = append(sibs, sibling{name: name, seq: seq})
		}
	}
	slices.SortFunc(sibs, func(a, b sibling) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	idx := slices.IndexFunc(sibs, func(sb sibling) bool { return sb.seq == s.seq })
	if idx < 0 {
		return 0, "", fmt.Errorf("%w: %s", zlockerrors.ErrInconsistent, s.node)
	}
	if idx == 0 {
		return 0, "", nil
	}
	return idx, coord.Join(s.l.root, sibs[idx-1].name), nil
}

// run drives the attempt to a terminal state and returns the metrics
// outcome with the caller-facing error.
func (s *session) run(ctx context.Context, mode Mode, fn func(context.Context) error) (string, error) {
	s.setState(StateRequesting)
	// a bounded wait starts counting before the node exists
	createCtx := ctx
	var deadline time.Time
	if mode.kind == modeTimeout {
		deadline = time.Now().Add(mode.timeout)
		var cancelCreate context.CancelFunc
		createCtx, cancelCreate = context.WithDeadline(ctx, deadline)
		defer cancelCreate()
	}
	node, err := s.l.client.Create(createCtx, coord.Join(s.l.root, s.l.name), coord.EphemeralSequential)
	if err != nil {
		if ctx.Err() == nil && createCtx.Err() != nil {
			s.progress.Store(done)
			s.setState(StateTimedOut)
			return outcomeTimeout, zlockerrors.ErrTimeout
		}
		s.setState(StateFailed)
		return outcomeError, fmt.Errorf("zlock: create lock node: %w", err)
	}
	s.node = node
	seq, ok := coord.Sequence(coord.Base(node), s.l.name)
	if !ok {
		s.progress.Store(done)
		s.release()
		s.setState(StateFailed)
		return outcomeError, fmt.Errorf("%w: unexpected node name %s", zlockerrors.ErrInconsistent, node)
	}
	s.seq = seq
	created := time.Now()
	s.log.Debug("zlock: lock node created", "owner", s.owner, "node", node)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelWait = cancel
	if mode.kind == modeTimeout {
		left := time.Until(deadline)
		if left <= 0 {
			s.progress.Store(done)
			s.release()
			s.setState(StateTimedOut)
			return outcomeTimeout, zlockerrors.ErrTimeout
		}
		s.guard = armGuard(s, left)
		defer s.guard.stop()
	}

	var children <-chan []string
	for {
		idx, pred, err := s.rank(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return s.abandoned(ctx)
			}
			// a node the guard just deleted reads as missing; fail reports
			// the timeout in that case
			return s.fail(err)
		}

		if idx == 0 {
			if !s.progress.CompareAndSwap(notStarted, executing) {
				s.guard.wait()
				return outcomeTimeout, zlockerrors.ErrTimeout
			}
			return outcomeAcquired, s.execute(ctx, created, fn)
		}

		if !mode.waits() {
			s.progress.Store(done)
			s.release()
			s.setState(StateFailed)
			s.log.Info("zlock: lock busy", "owner", s.owner, "node", node, "rank", idx)
			return outcomeFailed, fmt.Errorf("%w: queued behind %s", zlockerrors.ErrFailedToLock, pred)
		}

		if s.currentState() != StateWaiting {
			s.setState(StateWaiting)
		}

		if s.l.broad {
			if children == nil {
				children, err = s.l.client.SubscribeChildren(waitCtx, s.l.root)
				if err != nil {
					if waitCtx.Err() != nil {
						return s.abandoned(ctx)
					}
					return s.fail(fmt.Errorf("zlock: subscribe %s: %w", s.l.root, err))
				}
				// the change that freed us may predate the subscription
				continue
			}
			s.log.Debug("zlock: waiting on root", "owner", s.owner, "node", node, "rank", idx)
			select {
			case _, ok := <-children:
				if !ok {
					if waitCtx.Err() != nil {
						return s.abandoned(ctx)
					}
					return s.fail(fmt.Errorf("zlock: children subscription ended: %w", zlockerrors.ErrConnection))
				}
				s.l.wakeups.Add(1)
				metrics.WakeupCounter.Inc()
			case <-waitCtx.Done():
				return s.abandoned(ctx)
			}
			continue
		}

		s.log.Debug("zlock: waiting on predecessor", "owner", s.owner, "node", node, "predecessor", pred)
		woken, leave, err := s.l.registry.wait(waitCtx, pred)
		if err != nil {
			if waitCtx.Err() != nil {
				return s.abandoned(ctx)
			}
			return s.fail(fmt.Errorf("zlock: watch %s: %w", pred, err))
		}
		select {
		case <-woken:
			leave()
			s.l.wakeups.Add(1)
			metrics.WakeupCounter.Inc()
		case <-waitCtx.Done():
			leave()
			return s.abandoned(ctx)
		}
	}
}

func (s *session) execute(ctx context.Context, created time.Time, fn func(context.Context) error) error {
	metrics.WaitHistogram.Observe(time.Since(created).Seconds())
	metrics.HeldGauge.Inc()
	s.setState(StateHeld)
	s.log.Info("zlock: lock acquired", "owner", s.owner, "node", s.node)
	defer func() {
		metrics.HeldGauge.Dec()
		s.release()
		s.progress.Store(done)
		s.setState(StateReleased)
		s.log.Info("zlock: lock released", "owner", s.owner, "node", s.node)
	}()
	return fn(ctx)
}
