package metadata

import "errors"

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("metadata record not found")

	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("metadata record already exists")

	// ErrIllegalTransition is returned by Txn.SetState for edges missing
	// from the replica state graph.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrStillLinked is returned when destroying a replica with open descriptors.
	ErrStillLinked = errors.New("replica has open descriptors")
)

// Backend persists records. Implementations must be safe for concurrent
// use on distinct ids; the Store never writes one id concurrently.
type Backend interface {
	// Index returns the ids of all persisted records.
	Index() ([]string, error)
	// Load reads the record of id, or returns ErrNotFound.
	Load(id string) (Record, error)
	// Save durably writes rec, replacing any previous version.
	Save(rec Record) error
	// Delete removes the record of id. Deleting a missing record succeeds.
	Delete(id string) error
	Close() error
}
