package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

type memNode struct {
	owner    *MemorySession // nil for persistent nodes
	children map[string]struct{}
	cversion int64 // feeds sequential names of children
}

type memWatch struct {
	path    string
	ch      chan Event
	session *MemorySession
	stop    func() bool
}

type memSub struct {
	path    string
	ch      chan []string
	session *MemorySession
	stop    func() bool
}

// Memory is an in-process coordination service. Every Session behaves like
// an independent client connection sharing the same tree, which makes it a
// stand-in for a real service in tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	nodes   map[string]*memNode
	watches map[string]map[*memWatch]struct{}
	subs    map[string]map[*memSub]struct{}

	fired     atomic.Uint64
	published atomic.Uint64
}

// NewMemory returns an empty tree containing only the root node.
func NewMemory() *Memory {
	return &Memory{
		nodes:   map[string]*memNode{"/": {children: make(map[string]struct{})}},
		watches: make(map[string]map[*memWatch]struct{}),
		subs:    make(map[string]map[*memSub]struct{}),
	}
}

// Session opens a new client session on the tree.
func (m *Memory) Session() *MemorySession {
	return &MemorySession{
		m:          m,
		ephemerals: make(map[string]struct{}),
		watches:    make(map[*memWatch]struct{}),
		subs:       make(map[*memSub]struct{}),
	}
}

// WatchesFired returns how many existence watches delivered an event.
func (m *Memory) WatchesFired() uint64 {
	return m.fired.Load()
}

// ChildNotifications returns how many child lists were pushed to
// SubscribeChildren subscribers.
func (m *Memory) ChildNotifications() uint64 {
	return m.published.Load()
}

func (m *Memory) deleteLocked(path string) error {
	n, ok := m.nodes[path]
	if !ok {
		return fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, path)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", zlockerrors.ErrNotEmpty, path)
	}
	delete(m.nodes, path)
	if n.owner != nil {
		delete(n.owner.ephemerals, path)
	}
	parent := Parent(path)
	if p, ok := m.nodes[parent]; ok {
		delete(p.children, Base(path))
	}
	m.fireLocked(path, Event{Type: EventNodeDeleted, Path: path})
	m.notifyChildrenLocked(parent)
	return nil
}

// fireLocked delivers ev to every watch on path. Watches are one-shot.
func (m *Memory) fireLocked(path string, ev Event) {
	for w := range m.watches[path] {
		m.unregisterWatchLocked(w)
		w.stop()
		w.ch <- ev
		close(w.ch)
		m.fired.Add(1)
	}
}

func (m *Memory) notifyChildrenLocked(path string) {
	subs := m.subs[path]
	if len(subs) == 0 {
		return
	}
	names := m.childrenLocked(path)
	for sub := range subs {
		list := append([]string(nil), names...)
		select {
		case sub.ch <- list:
		default:
			// replace the unread list with the newer one
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- list:
			default:
			}
		}
		m.published.Add(1)
	}
}

func (m *Memory) childrenLocked(path string) []string {
	n := m.nodes[path]
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) unregisterWatchLocked(w *memWatch) bool {
	set, ok := m.watches[w.path]
	if !ok {
		return false
	}
	if _, ok := set[w]; !ok {
		return false
	}
	delete(set, w)
	if len(set) == 0 {
		delete(m.watches, w.path)
	}
	delete(w.session.watches, w)
	return true
}

func (m *Memory) dropWatch(w *memWatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unregisterWatchLocked(w) {
		close(w.ch)
	}
}

func (m *Memory) unregisterSubLocked(sub *memSub) bool {
	set, ok := m.subs[sub.path]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.path)
	}
	delete(sub.session.subs, sub)
	return true
}

func (m *Memory) dropSub(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unregisterSubLocked(sub) {
		close(sub.ch)
	}
}

// MemorySession is a Client bound to a Memory tree.
type MemorySession struct {
	m *Memory

	// guarded by m.mu
	closed     bool
	ephemerals map[string]struct{}
	watches    map[*memWatch]struct{}
	subs       map[*memSub]struct{}
}

var _ Client = (*MemorySession)(nil)

// Create implements Client.Create.
func (s *MemorySession) Create(ctx context.Context, path string, mode CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := Validate(path); err != nil {
		return "", err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return "", zlockerrors.ErrSessionExpired
	}
	if path == "/" {
		return "", fmt.Errorf("%w: /", zlockerrors.ErrNodeExists)
	}
	parentPath := Parent(path)
	parent, ok := m.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, parentPath)
	}
	if mode.IsSequential() {
		path += FormatSequence(parent.cversion)
	}
	if _, ok := m.nodes[path]; ok {
		return "", fmt.Errorf("%w: %s", zlockerrors.ErrNodeExists, path)
	}
	parent.cversion++

	n := &memNode{children: make(map[string]struct{})}
	if mode.IsEphemeral() {
		n.owner = s
		s.ephemerals[path] = struct{}{}
	}
	m.nodes[path] = n
	parent.children[Base(path)] = struct{}{}
	m.fireLocked(path, Event{Type: EventNodeCreated, Path: path})
	m.notifyChildrenLocked(parentPath)
	return path, nil
}

// Delete implements Client.Delete.
func (s *MemorySession) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete /", zlockerrors.ErrInvalidArgument)
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return zlockerrors.ErrSessionExpired
	}
	return s.m.deleteLocked(path)
}

// Children implements Client.Children.
func (s *MemorySession) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(path); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return nil, zlockerrors.ErrSessionExpired
	}
	if _, ok := s.m.nodes[path]; !ok {
		return nil, fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, path)
	}
	return s.m.childrenLocked(path), nil
}

// Exists implements Client.Exists.
func (s *MemorySession) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := Validate(path); err != nil {
		return false, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return false, zlockerrors.ErrSessionExpired
	}
	_, ok := s.m.nodes[path]
	return ok, nil
}

// ExistsW implements Client.ExistsW.
func (s *MemorySession) ExistsW(ctx context.Context, path string) (bool, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if err := Validate(path); err != nil {
		return false, nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return false, nil, zlockerrors.ErrSessionExpired
	}
	_, exists := m.nodes[path]
	w := &memWatch{path: path, ch: make(chan Event, 1), session: s}
	set := m.watches[path]
	if set == nil {
		set = make(map[*memWatch]struct{})
		m.watches[path] = set
	}
	set[w] = struct{}{}
	s.watches[w] = struct{}{}
	w.stop = context.AfterFunc(ctx, func() { m.dropWatch(w) })
	return exists, w.ch, nil
}

// SubscribeChildren implements Client.SubscribeChildren.
func (s *MemorySession) SubscribeChildren(ctx context.Context, path string) (<-chan []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(path); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return nil, zlockerrors.ErrSessionExpired
	}
	if _, ok := m.nodes[path]; !ok {
		return nil, fmt.Errorf("%w: %s", zlockerrors.ErrNoNode, path)
	}
	sub := &memSub{path: path, ch: make(chan []string, 1), session: s}
	set := m.subs[path]
	if set == nil {
		set = make(map[*memSub]struct{})
		m.subs[path] = set
	}
	set[sub] = struct{}{}
	s.subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() { m.dropSub(sub) })
	return sub.ch, nil
}

// Close implements Client.Close. Ephemeral nodes of the session are removed
// and its watches end with EventNotWatching.
func (s *MemorySession) Close() error {
	s.end(fmt.Errorf("%w: session closed", zlockerrors.ErrConnection))
	return nil
}

// Expire simulates the service dropping the session, as happens after a
// network partition outlasting the session timeout.
func (s *MemorySession) Expire() {
	s.end(zlockerrors.ErrSessionExpired)
}

func (s *MemorySession) end(reason error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for w := range s.watches {
		m.unregisterWatchLocked(w)
		w.stop()
		w.ch <- Event{Type: EventNotWatching, Path: w.path, Err: reason}
		close(w.ch)
	}
	for sub := range s.subs {
		m.unregisterSubLocked(sub)
		sub.stop()
		close(sub.ch)
	}

	paths := make([]string, 0, len(s.ephemerals))
	for p := range s.ephemerals {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		_ = m.deleteLocked(p)
	}
}
