package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/replicastore/replicastore/internal/filestore"
	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
)

// OpenFlags modify CreateEntry and OpenEntry.
type OpenFlags uint

const (
	// NoAtime leaves the access time untouched on open.
	NoAtime OpenFlags = 1 << iota
	// AllowIncomplete permits reading a replica that is still being written.
	AllowIncomplete
	// Overwrite lets CreateEntry replace an unused BROKEN or CACHED replica.
	Overwrite
)

// Has reports whether all bits of f are set.
func (o OpenFlags) Has(f OpenFlags) bool {
	return o&f == f
}

// CreateEntry creates a replica in transferState that becomes finalState
// when the returned descriptor is committed. Sticky records are applied on
// commit.
func (r *Repository) CreateEntry(attrs replica.Attributes, transferState, finalState replica.State, sticky []replica.StickyRecord, flags OpenFlags) (*WriteDescriptor, error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	id := attrs.ID
	if err := validateID(id); err != nil {
		return nil, err
	}
	if !transferState.IsTransfer() {
		return nil, fmt.Errorf("%s is not a transfer state: %w", transferState, ErrIllegalArgument)
	}
	if !finalState.IsFinal() {
		return nil, fmt.Errorf("%s is not a valid target state: %w", finalState, ErrIllegalArgument)
	}
	for _, s := range sticky {
		if s.Owner == "" || s.Expire < replica.StickyForever {
			return nil, fmt.Errorf("sticky record %v: %w", s, ErrIllegalArgument)
		}
	}
	defer r.events.flush()

	if existing, err := r.store.Get(id); err == nil {
		if !flags.Has(Overwrite) || !overwritable(existing) {
			r.ns.AddCacheLocation(id)
			return nil, fmt.Errorf("%s is %s: %w", id, existing.State, ErrDuplicateEntry)
		}
		if err := r.overwrite(id); err != nil {
			return nil, err
		}
	}

	_, err := r.store.Create(id, attrs, func(tx *metadata.Txn) error {
		if err := tx.SetState(transferState); err != nil {
			return err
		}
		tx.IncLink()
		return nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrExists) {
			r.ns.AddCacheLocation(id)
		} else {
			r.fail(id, "failed to create metadata", err)
		}
		return nil, r.storeError(id, err)
	}

	file, err := r.files.Create(id)
	if err != nil {
		r.fail(id, "failed to create data file", err)
		r.discard(id)
		return nil, fmt.Errorf("%s: %w: %w", id, ErrDiskError, err)
	}

	d := &WriteDescriptor{
		r:       r,
		id:      id,
		session: uuid.NewString(),
		attrs:   attrs.Clone(),
		target:  finalState,
		sticky:  append([]replica.StickyRecord(nil), sticky...),
		file:    file,
	}
	r.logger.Debug().Str("id", id).Str("session", d.session).
		Stringer("state", transferState).Stringer("target", finalState).Msg("entry created")
	return d, nil
}

func overwritable(e replica.Entry) bool {
	return (e.State == replica.Broken || e.State == replica.Cached) && e.LinkCount == 0
}

// overwrite removes an existing replica so it can be created again.
func (r *Repository) overwrite(id string) error {
	_, err := r.store.Update(id, func(tx *metadata.Txn) error {
		if !overwritable(tx.Entry()) {
			return fmt.Errorf("%s is %s: %w", id, tx.State(), ErrDuplicateEntry)
		}
		return tx.SetState(replica.Removed)
	})
	if err != nil {
		return r.storeError(id, err)
	}
	r.logger.Info().Str("id", id).Msg("replacing existing replica")
	return r.destroyIfUnlinked(id)
}

// discard drops a replica created by CreateEntry that never got data.
func (r *Repository) discard(id string) {
	_, err := r.store.Update(id, func(tx *metadata.Txn) error {
		if tx.LinkCount() > 0 {
			if err := tx.DecLink(); err != nil {
				return err
			}
		}
		return tx.SetState(replica.Removed)
	})
	if err != nil {
		r.logger.Error().Err(err).Str("id", id).Msg("failed to discard replica")
		return
	}
	if err := r.destroyIfUnlinked(id); err != nil {
		r.logger.Error().Err(err).Str("id", id).Msg("failed to destroy replica")
	}
}

// OpenEntry opens a replica for reading.
func (r *Repository) OpenEntry(id string, flags OpenFlags) (*ReadDescriptor, error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	defer r.events.flush()

	change, err := r.store.Update(id, func(tx *metadata.Txn) error {
		switch s := tx.State(); {
		case s.IsFinal():
		case s.IsTransfer() && flags.Has(AllowIncomplete):
		case s.IsTransfer(), s == replica.Broken, s == replica.Removed:
			return fmt.Errorf("%s is %s: %w", id, s, ErrLocked)
		default:
			return fmt.Errorf("%s is %s: %w", id, s, ErrNotInCache)
		}
		tx.IncLink()
		if !flags.Has(NoAtime) {
			tx.Touch()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) || errors.Is(err, ErrNotInCache) {
			r.ns.ClearCacheLocation(id, false)
		}
		return nil, r.storeError(id, err)
	}

	file, err := r.files.OpenRead(id)
	if err != nil {
		r.unlink(id)
		if errors.Is(err, filestore.ErrNotFound) {
			r.markBroken(id, "data file missing", err)
			r.ns.ClearCacheLocation(id, r.opts.Volatile)
		} else {
			r.fail(id, "failed to open data file", err)
		}
		return nil, fmt.Errorf("%s: %w: %w", id, ErrDiskError, err)
	}
	return &ReadDescriptor{r: r, id: id, entry: change.New, file: file}, nil
}

// unlink releases one descriptor reference and destroys the replica if it
// was removed while open.
func (r *Repository) unlink(id string) {
	change, err := r.store.Update(id, func(tx *metadata.Txn) error {
		return tx.DecLink()
	})
	if err != nil {
		r.logger.Error().Err(err).Str("id", id).Msg("failed to release replica")
		return
	}
	if change.New.State == replica.Removed && change.New.LinkCount == 0 {
		if err := r.destroyIfUnlinked(id); err != nil {
			r.logger.Error().Err(err).Str("id", id).Msg("failed to destroy replica")
		}
	}
}

// markBroken moves a live replica to BROKEN and reports a fault.
func (r *Repository) markBroken(id, message string, cause error) {
	_, err := r.store.Update(id, func(tx *metadata.Txn) error {
		switch tx.State() {
		case replica.Removed, replica.Broken:
			return nil
		}
		return tx.SetState(replica.Broken)
	})
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		r.logger.Error().Err(err).Str("id", id).Msg("failed to mark replica broken")
	}
	r.fail(id, message, cause)
}

// SetState changes the state of a replica. Only moves between PRECIOUS,
// CACHED, BROKEN and REMOVED are accepted; removing a replica that does not
// exist is a no-op.
func (r *Repository) SetState(id string, state replica.State) error {
	if err := r.requireOpen(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	defer r.events.flush()

	change, err := r.store.Update(id, func(tx *metadata.Txn) error {
		from := tx.State()
		if from == state {
			return nil
		}
		switch from {
		case replica.New, replica.Removed, replica.Destroyed:
			if state == replica.Removed {
				return nil
			}
		case replica.Precious, replica.Cached:
			switch state {
			case replica.Precious, replica.Cached, replica.Broken, replica.Removed:
				return tx.SetState(state)
			}
		case replica.Broken:
			if state == replica.Removed {
				return tx.SetState(state)
			}
		}
		return &IllegalTransitionError{ID: id, From: from, To: state}
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			if state == replica.Removed {
				return nil
			}
			return &IllegalTransitionError{ID: id, From: replica.New, To: state}
		}
		return r.storeError(id, err)
	}
	if state == replica.Removed && change.StateChanged() {
		r.removed(id, change.New)
	}
	return nil
}

// Evict removes a replica on behalf of the sweeper. Eligibility is checked
// again under the record lock; a replica that was opened, pinned or
// changed state in the meantime is left alone with ErrNotRemovable.
func (r *Repository) Evict(id string) (int64, error) {
	if err := r.requireOpen(); err != nil {
		return 0, err
	}
	defer r.events.flush()

	change, err := r.store.Update(id, func(tx *metadata.Txn) error {
		if !IsRemovable(tx.Entry(), r.clock.Now()) {
			return fmt.Errorf("%s: %w", id, ErrNotRemovable)
		}
		return tx.SetState(replica.Removed)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return 0, fmt.Errorf("%s: %w", id, ErrNotRemovable)
		}
		return 0, r.storeError(id, err)
	}
	r.logger.Info().Str("id", id).Int64("size", change.New.Size).Msg("evicting replica")
	r.removed(id, change.New)
	return change.New.Size, nil
}

// removed finishes the move of a replica to REMOVED.
func (r *Repository) removed(id string, e replica.Entry) {
	r.cancelExpiry(id)
	r.ns.ClearCacheLocation(id, r.opts.Volatile)
	if e.LinkCount > 0 {
		r.logger.Debug().Str("id", id).Int("links", e.LinkCount).Msg("replica removed while open, deferring destroy")
		return
	}
	if err := r.destroyIfUnlinked(id); err != nil {
		r.logger.Error().Err(err).Str("id", id).Msg("failed to destroy replica")
	}
}

// destroyIfUnlinked deletes the data file and record of a REMOVED replica
// without open descriptors.
func (r *Repository) destroyIfUnlinked(id string) error {
	_, err := r.store.Update(id, func(tx *metadata.Txn) error {
		if tx.State() != replica.Removed || tx.LinkCount() > 0 {
			return nil
		}
		if err := r.files.Remove(id); err != nil {
			return fmt.Errorf("%w: %w", ErrDiskError, err)
		}
		return tx.Destroy()
	})
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		r.fail(id, "failed to destroy replica", err)
		return r.storeError(id, err)
	}
	return nil
}
