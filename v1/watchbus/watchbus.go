package watchbus

import "context"

// WatchBus is a key-addressed message bus carrying opaque payloads. The
// coordination backends use it to announce node changes and the lock uses it
// to stream lifecycle events.
//
// Watch must not return before the subscription is active: a message
// published after Watch returns is delivered to the returned channel unless
// the watcher falls behind, in which case the newest messages are dropped.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch and closes it.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
