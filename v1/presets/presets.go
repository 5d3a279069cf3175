// Package presets wires a Locker to each supported coordination backend in
// one call.
package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	coordredis "github.com/mirkobrombin/go-zlock/v1/coord/redis"
	"github.com/mirkobrombin/go-zlock/v1/coord/zookeeper"
	"github.com/mirkobrombin/go-zlock/v1/lock"
	"github.com/mirkobrombin/go-zlock/v1/watchbus"
)

// Stack is a provisioned Locker together with the resources backing it.
// Lifecycle events of the Locker are published on Bus.
type Stack struct {
	Locker *lock.Locker
	Client coord.Client
	Bus    watchbus.WatchBus

	closers []func() error
}

// Close releases the session and connections in reverse order of creation.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Lifecycle events are best effort: after eventFailures consecutive publish
// errors the Locker stops publishing for eventCooldown.
const (
	eventFailures = 5
	eventCooldown = 10 * time.Second
)

func (s *Stack) finish(ctx context.Context, opts []lock.Option) (*Stack, error) {
	events := watchbus.NewCircuitBreaker(s.Bus, eventFailures, eventCooldown)
	opts = append([]lock.Option{lock.WithEvents(events)}, opts...)
	l, err := lock.New(s.Client, opts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := l.Provision(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Locker = l
	return s, nil
}

// NewInMemory returns a Stack on a private in-process tree. Useful for
// tests and single-process deployments.
func NewInMemory(ctx context.Context, opts ...lock.Option) (*Stack, error) {
	tree := coord.NewMemory()
	session := tree.Session()
	s := &Stack{Client: session, Bus: watchbus.NewInMemory()}
	s.closers = append(s.closers, session.Close)
	return s.finish(ctx, opts)
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the tree; all competitors must agree on it.
	Prefix string
	// SessionTTL bounds how long a crashed holder keeps the lock.
	SessionTTL time.Duration
	// NATSURL moves change notifications and lifecycle events to NATS
	// instead of Redis pub/sub.
	NATSURL string
}

// NewRedis returns a Stack storing the tree in Redis.
func NewRedis(ctx context.Context, ro RedisOptions, opts ...lock.Option) (*Stack, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	s := &Stack{}
	s.closers = append(s.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("zlock: redis ping: %w", err)
	}

	var bus watchbus.WatchBus = watchbus.NewRedisWatchBus(client)
	if ro.NATSURL != "" {
		nc, err := nats.Connect(ro.NATSURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("zlock: nats connect: %w", err)
		}
		s.closers = append(s.closers, func() error { nc.Close(); return nil })
		bus = watchbus.NewNATSWatchBus(nc)
	}

	copts := []coordredis.Option{coordredis.WithBus(bus)}
	if ro.Prefix != "" {
		copts = append(copts, coordredis.WithPrefix(ro.Prefix))
	}
	if ro.SessionTTL > 0 {
		copts = append(copts, coordredis.WithSessionTTL(ro.SessionTTL))
	}
	session, err := coordredis.New(client, copts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.closers = append(s.closers, session.Close)
	s.Client = session
	s.Bus = bus
	return s.finish(ctx, opts)
}

// NewZooKeeper returns a Stack on a ZooKeeper ensemble. Lifecycle events
// stay in process.
func NewZooKeeper(ctx context.Context, servers []string, opts ...lock.Option) (*Stack, error) {
	client, err := zookeeper.Connect(ctx, servers)
	if err != nil {
		return nil, err
	}
	s := &Stack{Client: client, Bus: watchbus.NewInMemory()}
	s.closers = append(s.closers, client.Close)
	return s.finish(ctx, opts)
}
