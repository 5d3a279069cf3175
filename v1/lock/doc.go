// Package lock implements a fair distributed mutex on a hierarchical
// coordination service.
//
// Every attempt creates an ephemeral sequential node under the lock root.
// The attempt whose node carries the lowest sequence holds the lock; the
// others watch only their immediate predecessor, so a release wakes exactly
// one waiter and the queue is served in arrival order. A crashed holder's
// node vanishes with its session, which the next waiter observes as a
// normal release.
//
// Bounded waits are raced against a timer through an atomic progress marker:
// a deadline that fires before the protected work starts abandons the bid,
// and a deadline that fires after the work started is ignored.
//
// The root must exist before the first attempt; call Locker.Provision once
// during setup.
package lock
