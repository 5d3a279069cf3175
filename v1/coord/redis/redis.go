// Package redis implements coord.Client on top of Redis.
//
// Nodes are plain keys, children are sorted sets scored by sequence and
// ephemeral nodes are keys with a TTL kept alive by the owning session.
// Changes are announced on a watchbus.WatchBus; watchers also poll, because
// Redis does not announce key expiry to ordinary clients.
//
// The scripts derive key names from their arguments instead of KEYS, so a
// Session needs a single Redis node or a replicated primary. Redis Cluster
// is not supported.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/watchbus"
)

const (
	defaultPrefix       = "zlock"
	defaultSessionTTL   = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond

	msgCreated = "created"
	msgDeleted = "deleted"
	msgChanged = "changed"
)

// Option configures a Session.
type Option func(*Session)

// WithPrefix sets the key prefix shared by every session of a tree.
func WithPrefix(prefix string) Option {
	return func(s *Session) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithSessionTTL sets how long ephemeral nodes survive a silent session.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithPollInterval sets how often watches re-check the tree.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithBus sets the bus carrying change notifications. Every session of a
// tree must share the same transport. Defaults to Redis pub/sub on the
// session's client.
func WithBus(bus watchbus.WatchBus) Option {
	return func(s *Session) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithLogger sets the logger used for keepalive failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session is a coord.Client backed by Redis. Each Session owns its ephemeral
// nodes; several sessions may share one goredis.Client.
type Session struct {
	client *goredis.Client
	bus    watchbus.WatchBus
	log    *slog.Logger
	prefix string
	ttl    time.Duration
	poll   time.Duration
	id     string

	// opMu keeps the local ephemeral set in step with the session key
	opMu       sync.Mutex
	ephemerals map[string]struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
	// stopKeepalive ends the ttl refresh loop
	stopKeepalive context.CancelFunc
	wg            sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ coord.Client = (*Session)(nil)

// New opens a session on the tree stored in client.
func New(client *goredis.Client, opts ...Option) (*Session, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("zlock: session id: %w", err)
	}
	s := &Session{
		client:     client,
		log:        slog.Default(),
		prefix:     defaultPrefix,
		ttl:        defaultSessionTTL,
		poll:       defaultPollInterval,
		id:         id,
		ephemerals: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = watchbus.NewRedisWatchBus(client)
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	kctx, stop := context.WithCancel(s.ctx)
	s.stopKeepalive = stop
	s.wg.Add(1)
	go s.keepalive(kctx)
	return s, nil
}

// ID returns the session identifier stored in ephemeral node keys.
func (s *Session) ID() string { return s.id }

func (s *Session) nodeKey(path string) string     { return s.prefix + ":node:" + path }
func (s *Session) childrenKey(path string) string { return s.prefix + ":children:" + path }
func (s *Session) seqKey(path string) string      { return s.prefix + ":seq:" + path }
func (s *Session) sessionKey(id string) string    { return s.prefix + ":session:" + id }
func (s *Session) nodeTopic(path string) string   { return s.prefix + ":watch:" + path }
func (s *Session) childTopic(path string) string  { return s.prefix + ":watch-children:" + path }

func (s *Session) alive() error {
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return nil
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// mapErr translates script replies and transport failures into the
// zlockerrors sentinels.
func mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// script errors reach the client as "ERR <CODE>"
	msg := strings.TrimPrefix(err.Error(), "ERR ")
	switch {
	case strings.HasPrefix(msg, "NONODE"):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, path)
	case strings.HasPrefix(msg, "NODEEXISTS"):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNodeExists, path)
	case strings.HasPrefix(msg, "NOTEMPTY"):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNotEmpty, path)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, goredis.ErrClosed) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", zlockerrors.ErrConnection, err)
	}
	return err
}

func (s *Session) announce(ctx context.Context, path, what string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.bus.Publish(ctx, s.nodeTopic(path), []byte(what)); err != nil {
		s.log.Warn("zlock: publish node change", "path", path, "error", err)
	}
	parent := coord.Parent(path)
	if err := s.bus.Publish(ctx, s.childTopic(parent), []byte(msgChanged)); err != nil {
		s.log.Warn("zlock: publish children change", "path", parent, "error", err)
	}
}

// Create implements coord.Client.Create.
func (s *Session) Create(ctx context.Context, path string, mode coord.CreateMode) (string, error) {
	if err := coord.Validate(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("%w: /", zlockerrors.ErrNodeExists)
	}
	if err := s.alive(); err != nil {
		return "", err
	}
	parent := coord.Parent(path)
	owner := ""
	if mode.IsEphemeral() {
		owner = s.id
	}

	s.opMu.Lock()
	res, err := createScript.Run(ctx, s.client,
		[]string{s.nodeKey(parent), s.childrenKey(parent), s.seqKey(parent), s.sessionKey(s.id)},
		path, coord.Base(path), flag(mode.IsSequential()), owner, s.ttl.Milliseconds(),
		s.prefix+":node:", flag(parent == "/"),
	).Text()
	if err == nil && owner != "" {
		s.ephemerals[res] = struct{}{}
	}
	s.opMu.Unlock()
	if err != nil {
		return "", mapErr(err, path)
	}
	s.announce(ctx, res, msgCreated)
	return res, nil
}

// Delete implements coord.Client.Delete.
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := coord.Validate(path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete /", zlockerrors.ErrInvalidArgument)
	}
	if err := s.alive(); err != nil {
		return err
	}
	s.opMu.Lock()
	err := s.delete(ctx, path)
	if err == nil {
		delete(s.ephemerals, path)
	}
	s.opMu.Unlock()
	if err != nil {
		return err
	}
	s.announce(ctx, path, msgDeleted)
	return nil
}

func (s *Session) delete(ctx context.Context, path string) error {
	err := deleteScript.Run(ctx, s.client,
		[]string{s.nodeKey(path), s.childrenKey(path), s.childrenKey(coord.Parent(path))},
		coord.Base(path), path, s.prefix+":node:", s.prefix+":session:",
	).Err()
	return mapErr(err, path)
}

// Children implements coord.Client.Children. Names are returned in sequence
// order; children whose session expired are pruned on the way.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := coord.Validate(path); err != nil {
		return nil, err
	}
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s.children(ctx, path)
}

func (s *Session) children(ctx context.Context, path string) ([]string, error) {
	vals, err := childrenScript.Run(ctx, s.client,
		[]string{s.nodeKey(path), s.childrenKey(path)},
		childPrefix(path), s.prefix+":node:", flag(path == "/"),
	).StringSlice()
	if err != nil {
		return nil, mapErr(err, path)
	}
	live := vals
	var dead []string
	for i, v := range vals {
		if v == "" {
			live, dead = vals[:i], vals[i+1:]
			break
		}
	}
	for _, name := range dead {
		s.announce(ctx, coord.Join(path, name), msgDeleted)
	}
	return live, nil
}

// Exists implements coord.Client.Exists.
func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := coord.Validate(path); err != nil {
		return false, err
	}
	if err := s.alive(); err != nil {
		return false, err
	}
	return s.exists(ctx, path)
}

func (s *Session) exists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	n, err := s.client.Exists(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return false, mapErr(err, path)
	}
	return n == 1, nil
}

// ExistsW implements coord.Client.ExistsW. The change subscription is active
// before the existence check, so a change right after the check is seen.
func (s *Session) ExistsW(ctx context.Context, path string) (bool, <-chan coord.Event, error) {
	if err := coord.Validate(path); err != nil {
		return false, nil, err
	}
	if err := s.alive(); err != nil {
		return false, nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	msgs, err := s.bus.Watch(wctx, s.nodeTopic(path))
	if err != nil {
		cancel()
		return false, nil, mapErr(err, path)
	}
	exists, err := s.exists(ctx, path)
	if err != nil {
		cancel()
		return false, nil, err
	}

	out := make(chan coord.Event, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					if wctx.Err() == nil {
						out <- coord.Event{Type: coord.EventNotWatching, Path: path, Err: zlockerrors.ErrConnection}
					}
					return
				}
				switch string(msg) {
				case msgCreated:
					out <- coord.Event{Type: coord.EventNodeCreated, Path: path}
					return
				case msgDeleted:
					out <- coord.Event{Type: coord.EventNodeDeleted, Path: path}
					return
				}
			case <-ticker.C:
				now, err := s.exists(wctx, path)
				if err != nil {
					continue
				}
				if now != exists {
					typ := coord.EventNodeDeleted
					if now {
						typ = coord.EventNodeCreated
					}
					out <- coord.Event{Type: typ, Path: path}
					return
				}
			case <-s.ctx.Done():
				out <- coord.Event{Type: coord.EventNotWatching, Path: path, Err: context.Cause(s.ctx)}
				return
			case <-wctx.Done():
				return
			}
		}
	}()
	return exists, out, nil
}

// SubscribeChildren implements coord.Client.SubscribeChildren.
func (s *Session) SubscribeChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := coord.Validate(path); err != nil {
		return nil, err
	}
	if err := s.alive(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	msgs, err := s.bus.Watch(wctx, s.childTopic(path))
	if err != nil {
		cancel()
		return nil, mapErr(err, path)
	}
	last, err := s.children(ctx, path)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []string, 1)
	push := func(names []string) {
		select {
		case out <- names:
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- names:
			default:
			}
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
			case <-ticker.C:
			case <-s.ctx.Done():
				return
			case <-wctx.Done():
				return
			}
			names, err := s.children(wctx, path)
			if err != nil {
				if errors.Is(err, zlockerrors.ErrNoNode) {
					return
				}
				continue
			}
			if !equal(names, last) {
				last = names
				push(append([]string(nil), names...))
			}
		}
	}()
	return out, nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Session) keepalive(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.opMu.Lock()
		tracked := len(s.ephemerals)
		ok, err := refreshScript.Run(ctx, s.client, []string{s.sessionKey(s.id)},
			s.ttl.Milliseconds(), s.prefix+":node:").Int()
		s.opMu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("zlock: session keepalive", "session", s.id, "error", err)
			}
			continue
		}
		if ok == 0 && tracked > 0 {
			s.log.Warn("zlock: session expired", "session", s.id)
			s.cancel(zlockerrors.ErrSessionExpired)
			return
		}
	}
}

// Close implements coord.Client.Close. The session's ephemeral nodes are
// deleted and its watches end with coord.EventNotWatching. The underlying
// goredis.Client is left open.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Session) close() error {
	s.cancel(fmt.Errorf("%w: session closed", zlockerrors.ErrConnection))
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.ttl)
	defer cancel()
	s.opMu.Lock()
	paths := make([]string, 0, len(s.ephemerals))
	for p := range s.ephemerals {
		paths = append(paths, p)
	}
	s.opMu.Unlock()

	var errs []error
	for _, p := range paths {
		err := s.delete(ctx, p)
		if err != nil && !errors.Is(err, zlockerrors.ErrNoNode) {
			errs = append(errs, err)
			continue
		}
		if err == nil {
			s.announce(ctx, p, msgDeleted)
		}
		s.opMu.Lock()
		delete(s.ephemerals, p)
		s.opMu.Unlock()
	}
	if err := s.client.Del(ctx, s.sessionKey(s.id)).Err(); err != nil {
		errs = append(errs, mapErr(err, s.sessionKey(s.id)))
	}
	return errors.Join(errs...)
}
