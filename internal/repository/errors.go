package repository

import (
	"errors"
	"fmt"

	"github.com/replicastore/replicastore/internal/replica"
)

var (
	// ErrIllegalState is returned for operations outside their lifecycle
	// phase: before Load completed, after Shutdown, double commit or close.
	ErrIllegalState = errors.New("illegal state")

	// ErrIllegalTransition is matched by *IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrDuplicateEntry is returned when creating a replica that exists.
	ErrDuplicateEntry = errors.New("entry already exists")

	// ErrNotInCache is returned for replicas that are not on this pool.
	ErrNotInCache = errors.New("entry not in repository")

	// ErrLocked is returned when opening a replica that cannot be read in
	// its current state.
	ErrLocked = errors.New("entry is locked")

	// ErrDiskError wraps I/O failures of data files or metadata.
	ErrDiskError = errors.New("disk error")

	// ErrIllegalArgument is returned for negative sizes, malformed ids and
	// similar caller mistakes.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrChecksumMismatch is returned by Commit when the data does not
	// match the expected checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSizeMismatch is returned by Commit when the data length differs
	// from the expected size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrNotRemovable is returned by Evict when the replica is no longer
	// eligible for eviction.
	ErrNotRemovable = errors.New("entry not removable")
)

// IllegalTransitionError describes a rejected state change.
type IllegalTransitionError struct {
	ID   string
	From replica.State
	To   replica.State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal state transition %s -> %s", e.ID, e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) match.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
