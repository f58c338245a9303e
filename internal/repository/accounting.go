package repository

import (
	"time"

	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
)

// IsRemovable reports whether the sweeper may evict e at now: the replica
// is CACHED, not sticky and not open.
func IsRemovable(e replica.Entry, now time.Time) bool {
	return e.State == replica.Cached && e.LinkCount == 0 && !e.IsSticky(now)
}

// recordChanged runs under the record lock for every committed change. It
// keeps the account in step with the records and queues events.
func (r *Repository) recordChanged(c metadata.Change) {
	oldE, newE := c.Old, c.New
	id := newE.ID

	// Records restored at load time carry space that was allocated by a
	// previous run.
	if oldE.State == replica.New && newE.State.IsLive() {
		if err := r.account.Recover(id, newE.Size); err != nil {
			r.logger.Error().Err(err).Str("id", id).Msg("failed to account recovered replica")
		}
	}

	if oldE.State == replica.Precious {
		r.account.AdjustPrecious(-oldE.Size)
	}
	if newE.State == replica.Precious {
		r.account.AdjustPrecious(newE.Size)
	}

	removableChanged := r.updateRemovable(newE)

	if newE.State == replica.Destroyed {
		r.account.ReleaseAll(id)
		r.cancelExpiry(id)
	} else if c.StickyChanged() || oldE.State == replica.New {
		r.scheduleExpiry(newE)
	}

	if c.StateChanged() {
		r.events.publish(Event{Kind: StateChanged, ID: id, OldState: oldE.State, NewState: newE.State, Entry: newE})
	}
	if c.AccessTimeChanged() && newE.State != replica.Destroyed {
		r.events.publish(Event{Kind: AccessTimeChanged, ID: id, OldState: oldE.State, NewState: newE.State, Entry: newE})
	}
	if c.StickyChanged() {
		r.events.publish(Event{Kind: StickyChanged, ID: id, OldState: oldE.State, NewState: newE.State, Entry: newE})
	}
	if removableChanged && !c.StateChanged() && !c.AccessTimeChanged() && !c.StickyChanged() {
		r.events.publish(Event{Kind: RemovableChanged, ID: id, OldState: oldE.State, NewState: newE.State, Entry: newE})
	}
}

// updateRemovable reports whether the replica's contribution to the
// removable space changed.
func (r *Repository) updateRemovable(e replica.Entry) bool {
	removable := e.State != replica.Destroyed && IsRemovable(e, r.clock.Now())

	r.removableMu.Lock()
	defer r.removableMu.Unlock()
	prev, was := r.removable[e.ID]
	if was {
		r.account.AdjustRemovable(-prev)
		delete(r.removable, e.ID)
	}
	if removable {
		r.account.AdjustRemovable(e.Size)
		r.removable[e.ID] = e.Size
	}
	return was != removable || (removable && prev != e.Size)
}
