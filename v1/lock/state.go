package lock

import (
	"fmt"

	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

// State is the lifecycle stage of a single lock attempt.
type State int32

const (
	StateInit State = iota
	StateRequesting
	StateHeld
	StateWaiting
	StateReleased
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequesting:
		return "requesting"
	case StateHeld:
		return "held"
	case StateWaiting:
		return "waiting"
	case StateReleased:
		return "released"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in lifecycle events.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// progress values. Both the execution path and the timeout guard leave
// notStarted with a compare-and-swap; the winner owns the release.
const (
	notStarted int32 = iota
	executing
	done
)

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateInit; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", zlockerrors.ErrInvalidArgument, b)
}
