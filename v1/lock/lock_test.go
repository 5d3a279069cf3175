package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-zlock/v1/coord"
	zlockerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

func newLocker(t *testing.T, opts ...Option) (*Locker, *coord.Memory, *coord.MemorySession) {
	t.Helper()
	m := coord.NewMemory()
	s := m.Session()
	t.Cleanup(func() { _ = s.Close() })
	l, err := New(s, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	return l, m, s
}

func waitForChildren(t *testing.T, c coord.Client, root string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var names []string
	for time.Now().Before(deadline) {
		var err error
		names, err = c.Children(context.Background(), root)
		if err == nil && len(names) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d children under %s, got %v", n, root, names)
}

// hold takes the lock and keeps it until the returned func is called.
func hold(t *testing.T, l *Locker) (func(), <-chan error) {
	t.Helper()
	started := make(chan struct{})
	rel := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- l.Do(context.Background(), "holder", func(context.Context) error {
			close(started)
			<-rel
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("holder did not get the lock")
	}
	var once sync.Once
	release := func() { once.Do(func() { close(rel) }) }
	t.Cleanup(release)
	return release, errc
}

func TestMutualExclusion(t *testing.T) {
	l, _, s := newLocker(t)
	const n = 20
	var active, overlaps, runs atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Do(context.Background(), fmt.Sprintf("c%d", i), func(context.Context) error {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				runs.Add(1)
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("do: %v", err)
	}
	if overlaps.Load() != 0 {
		t.Fatalf("found %d overlapping executions", overlaps.Load())
	}
	if runs.Load() != n {
		t.Fatalf("expected %d runs, got %d", n, runs.Load())
	}
	waitForChildren(t, s, DefaultRoot, 0)
}

func TestFIFOOrder(t *testing.T) {
	l, _, s := newLocker(t)
	release, holderDone := hold(t, l)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), name, func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("%s: %v", name, err)
			}
		}()
		waitForChildren(t, s, DefaultRoot, i+2)
	}
	release()
	wg.Wait()
	if err := <-holderDone; err != nil {
		t.Fatalf("holder: %v", err)
	}
	want := []string{"w0", "w1", "w2"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
}

func TestNoWaitLeavesNoNode(t *testing.T) {
	l, _, s := newLocker(t)
	hold(t, l)

	called := false
	err := l.TryDo(context.Background(), "late", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, zlockerrors.ErrFailedToLock) {
		t.Fatalf("expected ErrFailedToLock, got %v", err)
	}
	if errors.Is(err, zlockerrors.ErrTimeout) {
		t.Fatalf("refusal must not look like a timeout: %v", err)
	}
	if called {
		t.Fatal("callback ran without the lock")
	}
	if !strings.Contains(err.Error(), "queued behind /locks/lock-0000000000") {
		t.Fatalf("error should name the predecessor: %v", err)
	}
	waitForChildren(t, s, DefaultRoot, 1)
}

func TestTryDoOnFreeLock(t *testing.T) {
	l, _, s := newLocker(t)
	want := errors.New("work failed")
	err := l.TryDo(context.Background(), "solo", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected callback error, got %v", err)
	}
	waitForChildren(t, s, DefaultRoot, 0)
}

func TestTimeoutAbandonsBid(t *testing.T) {
	l, _, s := newLocker(t)
	release, _ := hold(t, l)
	defer release()

	called := false
	start := time.Now()
	err := l.DoTimeout(context.Background(), "impatient", 50*time.Millisecond, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, zlockerrors.ErrTimeout) || !errors.Is(err, zlockerrors.ErrFailedToLock) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the deadline")
	}
	if called {
		t.Fatal("callback ran after timeout")
	}
	// the node is gone by the time the caller sees the error
	names, err := s.Children(context.Background(), DefaultRoot)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected only the holder node, got %v", names)
	}
	if n := l.registry.size(); n != 0 {
		t.Fatalf("expected no armed watches, got %d", n)
	}
}

func TestTimeoutIgnoredOnceExecuting(t *testing.T) {
	l, _, _ := newLocker(t)
	var ran atomic.Bool
	err := l.DoTimeout(context.Background(), "slow", 20*time.Millisecond, func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("started work must not time out, got %v", err)
	}
	if !ran.Load() {
		t.Fatal("work did not complete")
	}
}

func TestWaiterSucceedsWellBeforeDeadline(t *testing.T) {
	l, _, s := newLocker(t)
	errc := make(chan error, 1)
	go func() {
		errc <- l.Do(context.Background(), "holder", func(context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	waitForChildren(t, s, DefaultRoot, 1)

	start := time.Now()
	ran := false
	err := l.DoTimeout(context.Background(), "waiter", 6000*time.Millisecond, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("waiter: ran %v err %v", ran, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("waiter was not woken promptly: %s", time.Since(start))
	}
	if err := <-errc; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestMiddleWaiterTimeoutAdvancesQueue(t *testing.T) {
	l, _, s := newLocker(t)
	release, _ := hold(t, l)

	middle := make(chan error, 1)
	go func() {
		middle <- l.DoTimeout(context.Background(), "middle", 50*time.Millisecond, func(context.Context) error { return nil })
	}()
	waitForChildren(t, s, DefaultRoot, 2)

	tail := make(chan error, 1)
	var tailRan atomic.Bool
	go func() {
		tail <- l.Do(context.Background(), "tail", func(context.Context) error {
			tailRan.Store(true)
			return nil
		})
	}()
	waitForChildren(t, s, DefaultRoot, 3)

	if err := <-middle; !errors.Is(err, zlockerrors.ErrTimeout) {
		t.Fatalf("middle: expected timeout, got %v", err)
	}
	waitForChildren(t, s, DefaultRoot, 2)
	if tailRan.Load() {
		t.Fatal("tail ran while the holder still holds")
	}
	release()
	select {
	case err := <-tail:
		if err != nil || !tailRan.Load() {
			t.Fatalf("tail: ran %v err %v", tailRan.Load(), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tail never got the lock")
	}
}

func TestCancelWhileWaiting(t *testing.T) {
	l, _, s := newLocker(t)
	hold(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- l.Do(ctx, "cancelled", func(context.Context) error { return nil })
	}()
	waitForChildren(t, s, DefaultRoot, 2)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not end the wait")
	}
	waitForChildren(t, s, DefaultRoot, 1)
}

func TestInvalidArguments(t *testing.T) {
	l, _, s := newLocker(t)
	noop := func(context.Context) error { return nil }
	cases := []struct {
		name string
		run  func() error
	}{
		{"zero timeout", func() error { return l.DoTimeout(context.Background(), "x", 0, noop) }},
		{"negative timeout", func() error { return l.DoTimeout(context.Background(), "x", -time.Second, noop) }},
		{"nil callback", func() error { return l.Do(context.Background(), "x", nil) }},
	}
	for _, c := range cases {
		if err := c.run(); !errors.Is(err, zlockerrors.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", c.name, err)
		}
	}
	names, err := s.Children(context.Background(), DefaultRoot)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("rejected attempts must not create nodes, got %v", names)
	}

	if _, err := New(s, WithRoot("locks")); !errors.Is(err, zlockerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid root, got %v", err)
	}
	if _, err := New(s, WithName("a/b")); !errors.Is(err, zlockerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if _, err := New(nil); !errors.Is(err, zlockerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid client, got %v", err)
	}
}

func TestMissingRootIsNotCreated(t *testing.T) {
	m := coord.NewMemory()
	s := m.Session()
	defer s.Close()
	l, err := New(s, WithRoot("/absent"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = l.Do(context.Background(), "x", func(context.Context) error { return nil })
	if !errors.Is(err, zlockerrors.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if ok, _ := s.Exists(context.Background(), "/absent"); ok {
		t.Fatal("root must not be created implicitly")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, _, s := newLocker(t)
	ctx := context.Background()
	sess := newSession(ctx, l, "twice")
	node, err := s.Create(ctx, coord.Join(l.root, l.name), coord.EphemeralSequential)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.node = node
	sess.release()

	other, err := s.Create(ctx, coord.Join(l.root, l.name), coord.EphemeralSequential)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.release()
	if ok, err := s.Exists(ctx, other); err != nil || !ok {
		t.Fatalf("second release touched another node: exists %v err %v", ok, err)
	}
	if ok, _ := s.Exists(ctx, node); ok {
		t.Fatal("own node survived release")
	}
}

func TestSessionExpiryReleasesLock(t *testing.T) {
	m := coord.NewMemory()
	holderSession := m.Session()
	waiterSession := m.Session()
	defer waiterSession.Close()
	if err := coord.EnsurePath(context.Background(), waiterSession, DefaultRoot); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	holder, err := New(holderSession)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	waiter, err := New(waiterSession)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	stuck := make(chan struct{})
	defer close(stuck)
	go func() {
		_ = holder.Do(context.Background(), "crashing", func(context.Context) error {
			<-stuck
			return nil
		})
	}()
	waitForChildren(t, waiterSession, DefaultRoot, 1)

	errc := make(chan error, 1)
	go func() {
		errc <- waiter.Do(context.Background(), "survivor", func(context.Context) error { return nil })
	}()
	waitForChildren(t, waiterSession, DefaultRoot, 2)
	holderSession.Expire()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expired holder kept the lock")
	}
}

func TestWakeupsTargetedVersusBroad(t *testing.T) {
	const waiters = 5
	run := func(opts ...Option) uint64 {
		l, _, s := newLocker(t, opts...)
		release, _ := hold(t, l)
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.Do(context.Background(), fmt.Sprintf("w%d", i), func(context.Context) error {
					time.Sleep(5 * time.Millisecond)
					return nil
				})
				if err != nil {
					t.Errorf("w%d: %v", i, err)
				}
			}(i)
			waitForChildren(t, s, DefaultRoot, i+2)
		}
		release()
		wg.Wait()
		return l.wakeups.Load()
	}

	targeted := run()
	broad := run(WithBroadWatch())
	if targeted != waiters {
		t.Fatalf("expected exactly one wake-up per waiter, got %d", targeted)
	}
	if broad <= targeted {
		t.Fatalf("expected broad watch to wake more often: broad %d targeted %d", broad, targeted)
	}
}

func TestRegistryPredecessorAlreadyGone(t *testing.T) {
	l, _, _ := newLocker(t)
	ch, leave, err := l.registry.wait(context.Background(), "/locks/lock-0000000042")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer leave()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("missing predecessor must wake immediately")
	}
}

func TestRegistrySharesOneWatch(t *testing.T) {
	l, m, s := newLocker(t)
	ctx := context.Background()
	pred, err := s.Create(ctx, "/locks/lock-", coord.EphemeralSequential)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a, leaveA, err := l.registry.wait(ctx, pred)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer leaveA()
	b, leaveB, err := l.registry.wait(ctx, pred)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer leaveB()
	if n := l.registry.size(); n != 1 {
		t.Fatalf("expected one armed watch, got %d", n)
	}
	if err := s.Delete(ctx, pred); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
	if m.WatchesFired() != 1 {
		t.Fatalf("expected a single fired watch, got %d", m.WatchesFired())
	}
}

type hidingClient struct {
	coord.Client
}

func (h hidingClient) Children(ctx context.Context, path string) ([]string, error) {
	return []string{}, nil
}

func TestOwnNodeMissingIsInconsistent(t *testing.T) {
	_, _, s := newLocker(t)
	l, err := New(hidingClient{s})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = l.Do(context.Background(), "x", func(context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	if !errors.Is(err, zlockerrors.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	names, _ := s.Children(context.Background(), DefaultRoot)
	if len(names) != 0 {
		t.Fatalf("node left behind: %v", names)
	}
}

// slowCreateClient delays node creation, honouring the context.
type slowCreateClient struct {
	coord.Client
	delay time.Duration
}

func (c slowCreateClient) Create(ctx context.Context, path string, mode coord.CreateMode) (string, error) {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.Client.Create(ctx, path, mode)
}

func TestTimeoutCountsNodeCreation(t *testing.T) {
	_, _, s := newLocker(t)
	l, err := New(slowCreateClient{Client: s, delay: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	err = l.DoTimeout(context.Background(), "slow", 50*time.Millisecond, func(context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	if !errors.Is(err, zlockerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if d := time.Since(start); d > 150*time.Millisecond {
		t.Fatalf("timeout reported after %v", d)
	}
	waitForChildren(t, s, DefaultRoot, 0)
}

func TestTimeoutLeftAfterCreationStillGrants(t *testing.T) {
	_, _, s := newLocker(t)
	l, err := New(slowCreateClient{Client: s, delay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ran := false
	if err := l.DoTimeout(context.Background(), "quick", time.Second, func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("expected the lock, ran %v err %v", ran, err)
	}
}

func TestClearKeepsOtherNames(t *testing.T) {
	l, _, s := newLocker(t)
	ctx := context.Background()
	for _, p := range []string{"/locks/lock-", "/locks/lock-", "/locks/job-"} {
		if _, err := s.Create(ctx, p, coord.EphemeralSequential); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := l.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared nodes, got %d", n)
	}
	names, err := s.Children(ctx, DefaultRoot)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(names) != 1 || names[0] != "job-0000000002" {
		t.Fatalf("unexpected remaining children %v", names)
	}
}

func TestIndependentNamesShareRoot(t *testing.T) {
	a, _, s := newLocker(t)
	b, err := New(s, WithName("job-"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	hold(t, a)
	if err := b.TryDo(context.Background(), "other", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("a different name must not be blocked: %v", err)
	}
}
