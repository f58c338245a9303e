// Package metadata keeps the per-replica metadata records in memory and
// persists every change through a Backend before it becomes visible.
package metadata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/replicastore/replicastore/internal/replica"
)

// Observer is told about every committed change while the record lock is
// still held, so observations of one id arrive in commit order.
type Observer interface {
	RecordChanged(change Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

// RecordChanged calls f(change).
func (f ObserverFunc) RecordChanged(change Change) { f(change) }

type entry struct {
	mu        sync.Mutex
	rec       Record
	linkCount int
	destroyed bool
}

// Store is the in-memory index of records backed by a Backend.
type Store struct {
	backend  Backend
	clock    clockwork.Clock
	observer Observer

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps and sticky checks.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithObserver registers the change observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore creates an empty store on top of backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Create adds a NEW record for id and applies fn to it like Update. The
// record only becomes visible if fn and the write to the backend succeed.
func (s *Store) Create(id string, attrs replica.Attributes, fn func(*Txn) error) (Change, error) {
	now := s.clock.Now()
	e := &entry{rec: Record{
		ID:         id,
		State:      replica.New,
		Size:       0,
		CreatedAt:  now,
		LastAccess: now,
		Attributes: attrs.Clone(),
	}}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%s: %w", id, ErrExists)
	}
	s.entries[id] = e
	s.mu.Unlock()

	change, err := s.apply(e, now, fn)
	if err != nil || e.destroyed {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		e.destroyed = true
	}
	return change, err
}

// Restore adds a record read back from the backend at load time without
// writing it again. The observer sees a change from NEW.
func (s *Store) Restore(rec Record) (Change, error) {
	e := &entry{rec: rec.clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.entries[rec.ID]; ok {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%s: %w", rec.ID, ErrExists)
	}
	s.entries[rec.ID] = e
	s.mu.Unlock()

	change := Change{
		Old: replica.Entry{ID: rec.ID, State: replica.New},
		New: e.rec.entry(0),
	}
	if s.observer != nil {
		s.observer.RecordChanged(change)
	}
	return change, nil
}

// Get returns a snapshot of the record of id.
func (s *Store) Get(id string) (replica.Entry, error) {
	e := s.lookup(id)
	if e == nil {
		return replica.Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return replica.Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.rec.entry(e.linkCount), nil
}

// Update runs fn on the record of id under the record lock. Changes are
// persisted before they are published; if fn or the backend fails the
// record is left untouched.
func (s *Store) Update(id string, fn func(*Txn) error) (Change, error) {
	e := s.lookup(id)
	if e == nil {
		return Change{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return Change{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	change, err := s.apply(e, s.clock.Now(), fn)
	if e.destroyed {
		s.mu.Lock()
		if s.entries[id] == e {
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	return change, err
}

// apply runs fn against e, which must be locked by the caller.
func (s *Store) apply(e *entry, now time.Time, fn func(*Txn) error) (Change, error) {
	old := e.rec.entry(e.linkCount)
	tx := &Txn{next: e.rec.clone(), linkCount: e.linkCount, now: now}
	err := fn(tx)
	tx.done = true
	if err != nil {
		return Change{Old: old, New: old}, err
	}

	switch {
	case tx.destroy:
		if err := s.backend.Delete(e.rec.ID); err != nil {
			return Change{Old: old, New: old}, err
		}
		tx.next.State = replica.Destroyed
		e.destroyed = true
	case tx.dirty || old.State == replica.New:
		if err := s.backend.Save(tx.next); err != nil {
			return Change{Old: old, New: old}, err
		}
	}

	e.rec = tx.next
	e.linkCount = tx.linkCount
	change := Change{Old: old, New: e.rec.entry(e.linkCount)}
	if s.observer != nil {
		s.observer.RecordChanged(change)
	}
	return change, nil
}

// IDs returns the ids of all live records, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Entries returns snapshots of all live records, sorted by id.
func (s *Store) Entries() []replica.Entry {
	ids := s.IDs()
	out := make([]replica.Entry, 0, len(ids))
	for _, id := range ids {
		if e, err := s.Get(id); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Index lists the ids persisted in the backend.
func (s *Store) Index() ([]string, error) {
	return s.backend.Index()
}

// ReadPersisted loads the persisted record of id from the backend.
func (s *Store) ReadPersisted(id string) (Record, error) {
	return s.backend.Load(id)
}

// DeletePersisted removes the persisted record of id, which must not be
// loaded into the store.
func (s *Store) DeletePersisted(id string) error {
	if s.lookup(id) != nil {
		return fmt.Errorf("%s: record is loaded", id)
	}
	return s.backend.Delete(id)
}

// SavePersisted writes rec to the backend without loading it.
func (s *Store) SavePersisted(rec Record) error {
	if s.lookup(rec.ID) != nil {
		return fmt.Errorf("%s: record is loaded", rec.ID)
	}
	return s.backend.Save(rec)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
