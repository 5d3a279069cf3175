package coord

import "context"

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	// Persistent nodes survive the session that created them.
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the owning session ends.
	Ephemeral
	// PersistentSequential nodes get a counter appended to their name.
	PersistentSequential
	// EphemeralSequential combines Ephemeral and PersistentSequential.
	EphemeralSequential
)

// IsEphemeral reports whether nodes created with m die with their session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the service appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// EventType identifies a watch notification.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventChildrenChanged
	// EventNotWatching is delivered when a watch ends without observing a
	// change, for example because the session expired. Event.Err says why.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "created"
	case EventNodeDeleted:
		return "deleted"
	case EventChildrenChanged:
		return "children-changed"
	case EventNotWatching:
		return "not-watching"
	default:
		return "unknown"
	}
}

// Event is a single watch notification.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Client is the set of coordination service primitives the lock is built on.
//
// Implementations must be safe for concurrent use. Session liveness and
// reconnection are the implementation's concern; a lost session surfaces as
// errors matching errors.ErrConnection.
type Client interface {
	// Create creates a node and returns the path assigned by the service,
	// which differs from path for sequential modes.
	Create(ctx context.Context, path string, mode CreateMode) (string, error)
	// Delete removes a node. A missing node yields errors.ErrNoNode.
	Delete(ctx context.Context, path string) error
	// Children lists the names (not paths) of the children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// Exists reports whether path currently exists.
	Exists(ctx context.Context, path string) (bool, error)
	// ExistsW atomically checks existence and leaves a one-shot watch on
	// path. The channel yields at most one Event and is then closed.
	// Cancelling ctx drops the watch and closes the channel.
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)
	// SubscribeChildren delivers the full child list of path after every
	// change until ctx is done. A slow reader only sees the latest list.
	SubscribeChildren(ctx context.Context, path string) (<-chan []string, error)
	// Close ends the session, removing its ephemeral nodes.
	Close() error
}
