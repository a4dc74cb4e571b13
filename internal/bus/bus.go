// Package bus implements the Bus Arbiter (C3): the single point of mutual
// exclusion over the shared serial line. Every Poller refresh and every
// Command Surface write goes through Arbiter.Do, which grants access in
// FIFO order and fails fast with vfd.ErrBusBusy rather than letting callers
// queue unbounded.
package bus

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/levitree/vfdgw/internal/transport"
	"github.com/levitree/vfdgw/internal/vfd"
)

// Arbiter serializes all access to a single transport.Conn. It is the only
// component allowed to hold the transport directly; everything else
// (Poller, Command Surface) reaches the bus through Do.
type Arbiter struct {
	sem    *semaphore.Weighted
	dial   func() (transport.Conn, error)
	mu     sync.RWMutex
	conn   transport.Conn
	closed bool
}

// New returns an Arbiter that dials fresh connections with dial. The bus
// starts uninitialized; callers must invoke Initialize before the first Do.
func New(dial func() (transport.Conn, error)) *Arbiter {
	return &Arbiter{sem: semaphore.NewWeighted(1), dial: dial}
}

// Initialize (re)opens the transport. It's called at startup and again
// whenever the Poller's failure accounting (spec.md §4.5 step b) decides
// the bus itself needs a fresh connection, e.g. after repeated CRC/framing
// errors on a bus that otherwise looks healthy.
func (a *Arbiter) Initialize(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return vfd.ErrBusBusy
	}
	defer a.sem.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	conn, err := a.dial()
	if err != nil {
		a.conn = nil
		return err
	}
	a.conn = conn
	a.closed = false
	return nil
}

// Close releases the underlying transport. After Close, Do always returns
// vfd.ErrNotInitialized until Initialize is called again.
func (a *Arbiter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// Do runs fn with exclusive access to the transport. Semaphore acquisition
// is FIFO (golang.org/x/sync/semaphore queues waiters in arrival order),
// which is what gives the Poller and concurrent Command Surface requests
// the fair, no-starvation scheduling invariant I1 requires. If ctx is
// canceled or its deadline elapses before a slot frees up, Do returns
// vfd.ErrBusBusy without ever invoking fn — the bus stays consistent for
// whichever holder currently has it.
func (a *Arbiter) Do(ctx context.Context, fn func(transport.Conn) error) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return vfd.ErrBusBusy
	}
	defer a.sem.Release(1)

	a.mu.RLock()
	conn := a.conn
	closed := a.closed
	a.mu.RUnlock()

	if closed || conn == nil {
		return vfd.ErrNotInitialized
	}
	return fn(conn)
}
