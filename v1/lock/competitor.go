package lock

import (
	"context"
	"fmt"
	"time"

	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

// Competitor is a named participant that runs Work under the lock.
type Competitor struct {
	Name string
	// Timeout bounds the wait. Zero waits forever; negative values are
	// rejected.
	Timeout time.Duration
	Work    func(ctx context.Context) error
}

// Run competes once on l.
func (c Competitor) Run(ctx context.Context, l *Locker) error {
	if c.Work == nil {
		return fmt.Errorf("%w: competitor %s has no work", zlockerrors.ErrInvalidArgument, c.Name)
	}
	mode := WaitForever()
	switch {
	case c.Timeout > 0:
		mode = WaitTimeout(c.Timeout)
	case c.Timeout < 0:
		return fmt.Errorf("%w: competitor %s timeout %s", zlockerrors.ErrInvalidArgument, c.Name, c.Timeout)
	}
	err := l.Acquire(ctx, c.Name, mode, c.Work)
	if err != nil {
		l.log.Error("zlock: competitor failed", "competitor", c.Name, "error", err)
		return fmt.Errorf("zlock: competitor %s: %w", c.Name, err)
	}
	return nil
}
