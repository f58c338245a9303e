package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
)

// expirationClockShift is added to every expiry so that tasks do not run
// just before a record expires on a slightly different clock.
const expirationClockShift = time.Second

type expiryTask struct {
	timer clockwork.Timer
}

// SetSticky pins the replica for owner until expire, given in milliseconds
// since the epoch. StickyForever pins it indefinitely, StickyNone removes
// the owner's pin. Without overwrite a still valid pin of owner is kept
// and false is returned.
func (r *Repository) SetSticky(id, owner string, expire int64, overwrite bool) (bool, error) {
	if err := r.requireOpen(); err != nil {
		return false, err
	}
	if err := validateID(id); err != nil {
		return false, err
	}
	if owner == "" {
		return false, fmt.Errorf("empty sticky owner: %w", ErrIllegalArgument)
	}
	if expire < replica.StickyForever {
		return false, fmt.Errorf("sticky expiration %d: %w", expire, ErrIllegalArgument)
	}
	defer r.events.flush()

	var changed bool
	_, err := r.store.Update(id, func(tx *metadata.Txn) error {
		switch tx.State() {
		case replica.Precious, replica.Cached, replica.Broken:
		default:
			return fmt.Errorf("%s is %s: %w", id, tx.State(), ErrNotInCache)
		}
		changed = tx.SetSticky(owner, expire, overwrite)
		return nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			r.ns.ClearCacheLocation(id, false)
		}
		return false, r.storeError(id, err)
	}
	return changed, nil
}

// scheduleExpiry arranges for expired sticky records of e to be removed
// shortly after the earliest finite expiry. Any previous task is replaced.
func (r *Repository) scheduleExpiry(e replica.Entry) {
	r.expiryMu.Lock()
	defer r.expiryMu.Unlock()

	if t, ok := r.expiry[e.ID]; ok {
		t.timer.Stop()
		delete(r.expiry, e.ID)
	}
	next, ok := e.NextStickyExpiry()
	if !ok {
		return
	}
	delay := time.UnixMilli(next).Sub(r.clock.Now()) + expirationClockShift
	if delay < 0 {
		delay = 0
	}
	r.scheduleExpiryLocked(e.ID, delay)
}

func (r *Repository) scheduleExpiryLocked(id string, delay time.Duration) {
	task := &expiryTask{}
	task.timer = r.clock.AfterFunc(delay, func() { r.runExpiry(id, task) })
	r.expiry[id] = task
}

func (r *Repository) runExpiry(id string, task *expiryTask) {
	r.expiryMu.Lock()
	if r.expiry[id] != task {
		r.expiryMu.Unlock()
		return
	}
	delete(r.expiry, id)
	r.expiryMu.Unlock()

	if r.Lifecycle() == Closed {
		return
	}
	defer r.events.flush()

	var removed []replica.StickyRecord
	change, err := r.store.Update(id, func(tx *metadata.Txn) error {
		removed = tx.RemoveExpiredSticky()
		return nil
	})
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return
	case err != nil:
		r.logger.Warn().Err(err).Str("id", id).Msg("failed to clear sticky flags")
		r.expiryMu.Lock()
		if _, ok := r.expiry[id]; !ok && r.Lifecycle() != Closed {
			r.scheduleExpiryLocked(id, expirationClockShift)
		}
		r.expiryMu.Unlock()
	case len(removed) == 0:
		// Nothing expired yet, possibly a clock skew; try again later.
		r.scheduleExpiry(change.New)
	default:
		r.logger.Debug().Str("id", id).Int("count", len(removed)).Msg("expired sticky flags removed")
	}
}

func (r *Repository) cancelExpiry(id string) {
	r.expiryMu.Lock()
	defer r.expiryMu.Unlock()
	if t, ok := r.expiry[id]; ok {
		t.timer.Stop()
		delete(r.expiry, id)
	}
}

func (r *Repository) cancelAllExpiry() {
	r.expiryMu.Lock()
	defer r.expiryMu.Unlock()
	for id, t := range r.expiry {
		t.timer.Stop()
		delete(r.expiry, id)
	}
}
