// Package zookeeper implements coord.Client on an Apache ZooKeeper ensemble.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

const defaultSessionTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithLogger routes the zk library logs into l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithACL sets the ACL applied to created nodes. Defaults to world:anyone
// with all permissions.
func WithACL(acl []zk.ACL) Option {
	return func(c *Client) {
		if len(acl) > 0 {
			c.acl = acl
		}
	}
}

// WithSessionTimeout sets the ZooKeeper session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type slogPrinter struct{ log *slog.Logger }

func (p slogPrinter) Printf(format string, args ...any) {
	p.log.Debug(fmt.Sprintf("zk: "+format, args...))
}

// Client is a coord.Client over one ZooKeeper session.
type Client struct {
	conn    *zk.Conn
	log     *slog.Logger
	acl     []zk.ACL
	timeout time.Duration
}

var _ coord.Client = (*Client)(nil)

// Connect opens a session on the given servers and waits until it is
// established or ctx is done.
func Connect(ctx context.Context, servers []string, opts ...Option) (*Client, error) {
	c := &Client{
		log:     slog.Default(),
		acl:     zk.WorldACL(zk.PermAll),
		timeout: defaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, events, err := zk.Connect(servers, c.timeout, zk.WithLogger(slogPrinter{c.log}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zlockerrors.ErrConnection, err)
	}
	c.conn = conn
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, zlockerrors.ErrConnection
			}
			if ev.State == zk.StateHasSession {
				go c.drain(events)
				return c, nil
			}
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}
}

func (c *Client) drain(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			c.log.Warn("zlock: zookeeper session expired")
		case zk.StateDisconnected:
			c.log.Warn("zlock: zookeeper disconnected", "server", ev.Server)
		}
	}
}

func mapErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, path)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNodeExists, path)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%w: %s", zlockerrors.ErrNotEmpty, path)
	case errors.Is(err, zk.ErrBadArguments):
		return fmt.Errorf("%w: %s: %v", zlockerrors.ErrInvalidArgument, path, err)
	case errors.Is(err, zk.ErrSessionExpired):
		return zlockerrors.ErrSessionExpired
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", zlockerrors.ErrConnection, err)
	}
	return err
}

func mapEvent(ev zk.Event) coord.Event {
	out := coord.Event{Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = coord.EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = coord.EventNodeDeleted
	case zk.EventNodeChildrenChanged:
		out.Type = coord.EventChildrenChanged
	default:
		out.Type = coord.EventNotWatching
		out.Err = mapErr(ev.Err, ev.Path)
		if out.Err == nil {
			out.Err = zlockerrors.ErrConnection
		}
	}
	return out
}

func flags(mode coord.CreateMode) int32 {
	var f int32
	if mode.IsEphemeral() {
		f |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		f |= zk.FlagSequence
	}
	return f
}

// Create implements coord.Client.Create.
func (c *Client) Create(ctx context.Context, path string, mode coord.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := coord.Validate(path); err != nil {
		return "", err
	}
	p, err := c.conn.Create(path, nil, flags(mode), c.acl)
	return p, mapErr(err, path)
}

// Delete implements coord.Client.Delete. The node is deleted at any version.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := coord.Validate(path); err != nil {
		return err
	}
	return mapErr(c.conn.Delete(path, -1), path)
}

// Children implements coord.Client.Children.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := coord.Validate(path); err != nil {
		return nil, err
	}
	names, _, err := c.conn.Children(path)
	return names, mapErr(err, path)
}

// Exists implements coord.Client.Exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := coord.Validate(path); err != nil {
		return false, err
	}
	ok, _, err := c.conn.Exists(path)
	return ok, mapErr(err, path)
}

// ExistsW implements coord.Client.ExistsW. ZooKeeper watches cannot be
// removed, so cancelling ctx only stops the forwarding; the server side
// watch lingers until it fires.
func (c *Client) ExistsW(ctx context.Context, path string) (bool, <-chan coord.Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if err := coord.Validate(path); err != nil {
		return false, nil, err
	}
	ok, _, zch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, mapErr(err, path)
	}
	out := make(chan coord.Event, 1)
	go func() {
		defer close(out)
		select {
		case ev := <-zch:
			out <- mapEvent(ev)
		case <-ctx.Done():
		}
	}()
	return ok, out, nil
}

// SubscribeChildren implements coord.Client.SubscribeChildren by re-arming a
// ChildrenW watch after every notification.
func (c *Client) SubscribeChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := coord.Validate(path); err != nil {
		return nil, err
	}
	_, _, zch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, mapErr(err, path)
	}
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-zch:
				if ev.Type != zk.EventNodeChildrenChanged {
					return
				}
			case <-ctx.Done():
				return
			}
			var names []string
			names, _, zch, err = c.conn.ChildrenW(path)
			if err != nil {
				c.log.Warn("zlock: re-arm children watch", "path", path, "error", err)
				return
			}
			select {
			case out <- names:
			default:
				select {
				case <-out:
				default:
				}
				out <- names
			}
		}
	}()
	return out, nil
}

// Close implements coord.Client.Close. Ending the session removes its
// ephemeral nodes on the server.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}
