package metadata

import (
	"fmt"
	"time"

	"github.com/replicastore/replicastore/internal/replica"
)

// Txn is the mutation handle passed to Store.Update. It is only valid for
// the duration of the callback; using it afterwards panics.
type Txn struct {
	next      Record
	linkCount int
	now       time.Time
	dirty     bool // persisted fields changed
	destroy   bool
	done      bool
}

func (tx *Txn) check() {
	if tx.done {
		panic("metadata: transaction used after update returned")
	}
}

// ID returns the replica id.
func (tx *Txn) ID() string {
	tx.check()
	return tx.next.ID
}

// Entry returns a snapshot reflecting the changes made so far.
func (tx *Txn) Entry() replica.Entry {
	tx.check()
	return tx.next.entry(tx.linkCount)
}

// State returns the current state.
func (tx *Txn) State() replica.State {
	tx.check()
	return tx.next.State
}

// SetState moves the replica to state s. Setting the current state is a
// no-op; DESTROYED is only reachable through Destroy.
func (tx *Txn) SetState(s replica.State) error {
	tx.check()
	if s == tx.next.State {
		return nil
	}
	if s == replica.Destroyed || !replica.CanTransition(tx.next.State, s) {
		return fmt.Errorf("%s: %s -> %s: %w", tx.next.ID, tx.next.State, s, ErrIllegalTransition)
	}
	tx.next.State = s
	tx.dirty = true
	return nil
}

// Size returns the recorded replica size.
func (tx *Txn) Size() int64 {
	tx.check()
	return tx.next.Size
}

// SetSize records the replica size.
func (tx *Txn) SetSize(size int64) {
	tx.check()
	if size != tx.next.Size {
		tx.next.Size = size
		tx.dirty = true
	}
}

// SetAttributes replaces the file attributes.
func (tx *Txn) SetAttributes(attrs replica.Attributes) {
	tx.check()
	tx.next.Attributes = attrs.Clone()
	tx.dirty = true
}

// Touch sets the last access time to now.
func (tx *Txn) Touch() {
	tx.check()
	tx.next.LastAccess = tx.now
	tx.dirty = true
}

// LinkCount returns the number of open descriptors.
func (tx *Txn) LinkCount() int {
	tx.check()
	return tx.linkCount
}

// IncLink registers an open descriptor.
func (tx *Txn) IncLink() {
	tx.check()
	tx.linkCount++
}

// DecLink unregisters an open descriptor.
func (tx *Txn) DecLink() error {
	tx.check()
	if tx.linkCount == 0 {
		return fmt.Errorf("%s: link count already zero", tx.next.ID)
	}
	tx.linkCount--
	return nil
}

// IsSticky reports whether any sticky record is valid now.
func (tx *Txn) IsSticky() bool {
	tx.check()
	return tx.next.entry(0).IsSticky(tx.now)
}

// SetSticky pins the replica for owner until expire (milliseconds since
// the epoch, StickyForever or StickyNone). An existing, still valid record
// of owner is only replaced when overwrite is set; in that case false is
// returned and nothing changes. StickyNone removes the owner's record.
func (tx *Txn) SetSticky(owner string, expire int64, overwrite bool) bool {
	tx.check()
	idx := -1
	for i, r := range tx.next.Sticky {
		if r.Owner == owner {
			idx = i
			break
		}
	}
	if idx >= 0 && !overwrite && tx.next.Sticky[idx].IsValidAt(tx.now) {
		return false
	}

	sticky := make([]replica.StickyRecord, 0, len(tx.next.Sticky)+1)
	for i, r := range tx.next.Sticky {
		if i != idx {
			sticky = append(sticky, r)
		}
	}
	if expire != replica.StickyNone {
		sticky = append(sticky, replica.StickyRecord{Owner: owner, Expire: expire})
	}
	if len(sticky) == 0 {
		sticky = nil
	}
	tx.next.Sticky = sticky
	tx.dirty = true
	return true
}

// RemoveExpiredSticky drops records that are no longer valid and returns them.
func (tx *Txn) RemoveExpiredSticky() []replica.StickyRecord {
	tx.check()
	var kept, removed []replica.StickyRecord
	for _, r := range tx.next.Sticky {
		if r.IsValidAt(tx.now) {
			kept = append(kept, r)
		} else {
			removed = append(removed, r)
		}
	}
	if len(removed) > 0 {
		tx.next.Sticky = kept
		tx.dirty = true
	}
	return removed
}

// Destroy deletes the record once the callback returns. The replica must
// be REMOVED and unlinked.
func (tx *Txn) Destroy() error {
	tx.check()
	if tx.next.State != replica.Removed {
		return fmt.Errorf("%s: %s -> %s: %w", tx.next.ID, tx.next.State, replica.Destroyed, ErrIllegalTransition)
	}
	if tx.linkCount > 0 {
		return fmt.Errorf("%s: %w", tx.next.ID, ErrStillLinked)
	}
	tx.destroy = true
	return nil
}
