// Package account implements the space bookkeeping of a single pool.
//
// All mutations happen under one mutex. Blocking allocations queue up in
// FIFO order and are granted by whichever call frees space or grows the
// total, so a waiter never needs to recheck a condition after it wakes.
package account

import (
	"context"
	"fmt"
	"sync"
)

type waiter struct {
	id      string
	size    int64
	ready   chan struct{}
	granted bool
}

// Account tracks total, used, precious and removable space of one pool.
type Account struct {
	mu        sync.Mutex
	total     int64
	used      int64
	precious  int64
	removable int64
	allocated map[string]int64
	waiters   []*waiter
	requested int64
	changed   chan struct{}
}

// New creates an account with the given total size in bytes.
func New(total int64) *Account {
	if total < 0 {
		total = 0
	}
	return &Account{
		total:     total,
		allocated: make(map[string]int64),
		changed:   make(chan struct{}),
	}
}

// Stats is a point in time snapshot of the account.
type Stats struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Free      int64 `json:"free"`
	Precious  int64 `json:"precious"`
	Removable int64 `json:"removable"`
	Requested int64 `json:"requested"`
	Waiters   int   `json:"waiters"`
}

// Stats returns a consistent snapshot of all counters.
func (a *Account) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Total:     a.total,
		Used:      a.used,
		Free:      a.total - a.used,
		Precious:  a.precious,
		Removable: a.removable,
		Requested: a.requested,
		Waiters:   len(a.waiters),
	}
}

// Total returns the pool size.
func (a *Account) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Used returns the allocated space.
func (a *Account) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Free returns total minus used.
func (a *Account) Free() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used
}

// Allocated returns the bytes currently allocated on behalf of id.
func (a *Account) Allocated(id string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[id]
}

// Requested returns the sum of sizes blocked allocations are waiting for.
func (a *Account) Requested() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested
}

// Changed returns a channel that is closed the next time free space or the
// set of waiters changes. Callers must call Changed again after each wakeup.
func (a *Account) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

// SetTotal resizes the pool. Shrinking below used space is rejected.
func (a *Account) SetTotal(total int64) error {
	if total < 0 {
		return fmt.Errorf("set total %d: %w", total, ErrNegativeSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if total < a.used {
		return fmt.Errorf("set total %d with %d bytes used: %w", total, a.used, ErrBelowUsed)
	}
	a.total = total
	a.grantLocked()
	a.notifyLocked()
	return nil
}

// Allocate reserves size bytes for id, blocking until the space is
// available or ctx is done. Waiters are served strictly in arrival order.
// A cancelled allocation leaves the account unchanged.
func (a *Account) Allocate(ctx context.Context, id string, size int64) error {
	if size < 0 {
		return fmt.Errorf("allocate %d bytes for %s: %w", size, id, ErrNegativeSize)
	}

	a.mu.Lock()
	if size == 0 || (len(a.waiters) == 0 && a.total-a.used >= size) {
		a.chargeLocked(id, size)
		a.notifyLocked()
		a.mu.Unlock()
		return nil
	}
	w := &waiter{id: id, size: size, ready: make(chan struct{})}
	a.waiters = append(a.waiters, w)
	a.requested += size
	a.notifyLocked()
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w.granted {
		// Granted between cancellation and reacquiring the lock.
		a.releaseLocked(w.id, w.size)
	} else {
		a.dequeueLocked(w)
	}
	a.grantLocked()
	a.notifyLocked()
	return ctx.Err()
}

// AllocateNow reserves size bytes for id if they are available right now
// and no earlier allocation is waiting. It never blocks.
func (a *Account) AllocateNow(id string, size int64) (bool, error) {
	if size < 0 {
		return false, fmt.Errorf("allocate %d bytes for %s: %w", size, id, ErrNegativeSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if size > 0 && (len(a.waiters) > 0 || a.total-a.used < size) {
		return false, nil
	}
	a.chargeLocked(id, size)
	a.notifyLocked()
	return true, nil
}

// Release returns size bytes previously allocated for id.
func (a *Account) Release(id string, size int64) error {
	if size < 0 {
		return fmt.Errorf("free %d bytes for %s: %w", size, id, ErrNegativeSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if size > a.allocated[id] {
		return fmt.Errorf("free %d bytes for %s holding %d: %w", size, id, a.allocated[id], ErrOverFree)
	}
	a.releaseLocked(id, size)
	a.grantLocked()
	a.notifyLocked()
	return nil
}

// ReleaseAll returns everything allocated for id and reports how much that was.
func (a *Account) ReleaseAll(id string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	size := a.allocated[id]
	if size == 0 {
		return 0
	}
	a.releaseLocked(id, size)
	a.grantLocked()
	a.notifyLocked()
	return size
}

// Recover accounts for size bytes of a replica found on disk at load time.
// Both total and used grow, so free space is unaffected.
func (a *Account) Recover(id string, size int64) error {
	if size < 0 {
		return fmt.Errorf("recover %d bytes for %s: %w", size, id, ErrNegativeSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += size
	a.chargeLocked(id, size)
	a.notifyLocked()
	return nil
}

// AdjustPrecious adds delta to the precious counter.
func (a *Account) AdjustPrecious(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.precious += delta
	if a.precious < 0 {
		panic(fmt.Sprintf("account: precious space negative (%d)", a.precious))
	}
}

// AdjustRemovable adds delta to the removable counter.
func (a *Account) AdjustRemovable(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removable += delta
	if a.removable < 0 {
		panic(fmt.Sprintf("account: removable space negative (%d)", a.removable))
	}
}

func (a *Account) chargeLocked(id string, size int64) {
	if size == 0 {
		return
	}
	a.used += size
	a.allocated[id] += size
}

func (a *Account) releaseLocked(id string, size int64) {
	if size == 0 {
		return
	}
	a.used -= size
	a.allocated[id] -= size
	if a.allocated[id] <= 0 {
		delete(a.allocated, id)
	}
}

// grantLocked satisfies waiters from the head of the queue while they fit.
// It stops at the first waiter that does not fit so later, smaller
// requests cannot overtake it.
func (a *Account) grantLocked() {
	for len(a.waiters) > 0 {
		w := a.waiters[0]
		if a.total-a.used < w.size {
			return
		}
		a.waiters[0] = nil
		a.waiters = a.waiters[1:]
		a.requested -= w.size
		a.chargeLocked(w.id, w.size)
		w.granted = true
		close(w.ready)
	}
}

func (a *Account) dequeueLocked(w *waiter) {
	for i, o := range a.waiters {
		if o == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			a.requested -= w.size
			return
		}
	}
}

func (a *Account) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
