package lock

import (
	"sync/atomic"
	"time"
)

// timeoutGuard abandons an attempt whose deadline passes before the
// protected work started.
type timeoutGuard struct {
	timer *time.Timer
	fired atomic.Bool
	done  chan struct{}
}

// armGuard starts the deadline for s. abandon runs on the timer goroutine
// only when the guard wins the progress marker.
func armGuard(s *session, d time.Duration) *timeoutGuard {
	g := &timeoutGuard{done: make(chan struct{})}
	g.timer = time.AfterFunc(d, func() {
		defer close(g.done)
		if !s.progress.CompareAndSwap(notStarted, done) {
			return
		}
		g.fired.Store(true)
		s.log.Warn("zlock: lock wait timed out", "owner", s.owner, "node", s.node, "timeout", d)
		s.cancelWait()
		s.release()
		s.setState(StateTimedOut)
	})
	return g
}

// stop disarms the timer. If the timer already fired, stop waits for the
// abandonment to finish.
func (g *timeoutGuard) stop() {
	if g == nil {
		return
	}
	if !g.timer.Stop() {
		<-g.done
	}
}

// wait blocks until the guard's expiry handler has returned.
func (g *timeoutGuard) wait() {
	if g != nil {
		<-g.done
	}
}
