package lock

import "time"

type modeKind int

const (
	modeNoWait modeKind = iota
	modeForever
	modeTimeout
)

// Mode selects how Acquire behaves when the lock is held by someone else.
type Mode struct {
	kind    modeKind
	timeout time.Duration
}

// NoWait fails immediately with ErrFailedToLock when the lock is taken.
func NoWait() Mode { return Mode{kind: modeNoWait} }

// WaitForever queues until the lock is granted or the context is done.
func WaitForever() Mode { return Mode{kind: modeForever} }

// WaitTimeout queues for at most d. d must be positive.
func WaitTimeout(d time.Duration) Mode { return Mode{kind: modeTimeout, timeout: d} }

func (m Mode) waits() bool { return m.kind != modeNoWait }

func (m Mode) String() string {
	switch m.kind {
	case modeNoWait:
		return "no-wait"
	case modeForever:
		return "wait-forever"
	default:
		return "wait-" + m.timeout.String()
	}
}
