// Package repository tracks every replica stored on a pool. It owns the
// replica state machine, keeps the space account consistent with the
// metadata records, and hands out descriptors for reading and writing
// replica data.
package repository

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/account"
	"github.com/replicastore/replicastore/internal/filestore"
	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/namespace"
	"github.com/replicastore/replicastore/internal/replica"
)

// Lifecycle is the state of the repository itself.
type Lifecycle int

// Repository lifecycle states.
const (
	Uninitialized Lifecycle = iota
	Initializing
	Initialized
	Loading
	Open
	Failed
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initializing:
		return "INITIALIZING"
	case Initialized:
		return "INITIALIZED"
	case Loading:
		return "LOADING"
	case Open:
		return "OPEN"
	case Failed:
		return "FAILED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// SystemStickyOwner owns sticky records the pool applies on its own.
const SystemStickyOwner = "system"

// maxDefaultGap caps the default gap at 4 GiB.
const maxDefaultGap = 4 << 30

// Options configures a Repository.
type Options struct {
	// MaxDiskSpace limits the pool size. Zero uses the whole volume.
	MaxDiskSpace int64
	// Gap is the free space the pool tries to keep. Zero picks
	// min(total/4, 4 GiB).
	Gap int64
	// Volatile lets the namespace delete files whose last replica was
	// removed from this pool.
	Volatile bool
	// SynchronousNotification delivers events on the goroutine of the
	// triggering call. When another goroutine is delivering at the same
	// time, that one delivers the events and the call may return first.
	// Meant for tests and debugging.
	SynchronousNotification bool
	// DefaultStickyLifetime pins newly written replicas that were created
	// without sticky records. Zero disables.
	DefaultStickyLifetime time.Duration
	// LoadConcurrency bounds the parallel metadata checks during Load.
	LoadConcurrency int
	Clock           clockwork.Clock
	Logger          zerolog.Logger
}

// LRUReporter reports the age of the least recently used removable replica.
type LRUReporter interface {
	LRU() time.Duration
}

// SpaceRecord is a snapshot of the pool's space usage.
type SpaceRecord struct {
	Total     int64         `json:"total"`
	Free      int64         `json:"free"`
	Precious  int64         `json:"precious"`
	Removable int64         `json:"removable"`
	Gap       int64         `json:"gap"`
	LRU       time.Duration `json:"lru"`
}

// Repository is the replica repository of one pool.
type Repository struct {
	logger  zerolog.Logger
	clock   clockwork.Clock
	opts    Options
	files   *filestore.Store
	store   *metadata.Store
	account *account.Account
	ns      *namespace.Notifier
	ownNs   bool
	events  *dispatcher

	lifeMu    sync.RWMutex
	lifecycle Lifecycle

	sizeMu       sync.Mutex
	maxDiskSpace int64

	removableMu sync.Mutex
	removable   map[string]int64

	expiryMu sync.Mutex
	expiry   map[string]*expiryTask

	lruMu sync.RWMutex
	lru   LRUReporter
}

// New assembles a repository from its data file store, metadata backend
// and namespace notifier. A nil notifier drops namespace notifications.
func New(files *filestore.Store, backend metadata.Backend, ns *namespace.Notifier, opts Options) *Repository {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = 8
	}
	logger := opts.Logger.With().Str("component", "repository").Logger()

	r := &Repository{
		logger:       logger,
		clock:        opts.Clock,
		opts:         opts,
		files:        files,
		account:      account.New(0),
		events:       newDispatcher(logger, opts.SynchronousNotification),
		maxDiskSpace: opts.MaxDiskSpace,
		removable:    make(map[string]int64),
		expiry:       make(map[string]*expiryTask),
	}
	if ns == nil {
		ns = namespace.NewNotifier(namespace.Nop{}, namespace.Options{Synchronous: true, Clock: opts.Clock}, opts.Logger)
		r.ownNs = true
	}
	r.ns = ns
	r.store = metadata.NewStore(backend,
		metadata.WithClock(opts.Clock),
		metadata.WithObserver(metadata.ObserverFunc(r.recordChanged)))
	return r
}

// Account exposes the space account, e.g. for the sweeper.
func (r *Repository) Account() *account.Account {
	return r.account
}

// Clock returns the repository clock.
func (r *Repository) Clock() clockwork.Clock {
	return r.clock
}

// Lifecycle returns the current lifecycle state.
func (r *Repository) Lifecycle() Lifecycle {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	return r.lifecycle
}

func (r *Repository) transition(from, to Lifecycle) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.lifecycle != from {
		return fmt.Errorf("repository is %s, expected %s: %w", r.lifecycle, from, ErrIllegalState)
	}
	r.lifecycle = to
	return nil
}

func (r *Repository) setLifecycle(l Lifecycle) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	r.lifecycle = l
}

func (r *Repository) requireOpen() error {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	if r.lifecycle != Open {
		return fmt.Errorf("repository is %s: %w", r.lifecycle, ErrIllegalState)
	}
	return nil
}

// Init prepares the repository for loading. It may only be called once.
func (r *Repository) Init() error {
	if err := r.transition(Uninitialized, Initializing); err != nil {
		return err
	}
	if _, err := r.files.List(); err != nil {
		r.setLifecycle(Failed)
		return fmt.Errorf("inspect data store: %w: %w", ErrDiskError, err)
	}
	if _, err := r.store.Index(); err != nil {
		r.setLifecycle(Failed)
		return fmt.Errorf("inspect metadata store: %w: %w", ErrDiskError, err)
	}
	r.setLifecycle(Initialized)
	return nil
}

// Shutdown stops background work and closes the metadata backend.
// Descriptors still open afterwards can only be closed.
func (r *Repository) Shutdown() error {
	r.lifeMu.Lock()
	if r.lifecycle == Closed {
		r.lifeMu.Unlock()
		return nil
	}
	r.lifecycle = Closed
	r.lifeMu.Unlock()

	r.cancelAllExpiry()
	r.events.close()
	if r.ownNs {
		r.ns.Close()
	}
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}
	return nil
}

// AddListener registers l for state, access time and sticky events.
func (r *Repository) AddListener(l Listener) {
	r.events.addListener(l)
}

// RemoveListener unregisters l.
func (r *Repository) RemoveListener(l Listener) {
	r.events.removeListener(l)
}

// AddFaultListener registers l for fault events.
func (r *Repository) AddFaultListener(l FaultListener) {
	r.events.addFaultListener(l)
}

// RemoveFaultListener unregisters l.
func (r *Repository) RemoveFaultListener(l FaultListener) {
	r.events.removeFaultListener(l)
}

// SetLRUReporter installs the source of the LRU age in space records.
func (r *Repository) SetLRUReporter(l LRUReporter) {
	r.lruMu.Lock()
	defer r.lruMu.Unlock()
	r.lru = l
}

// fail reports a fault for id and logs it.
func (r *Repository) fail(id, message string, cause error) {
	r.logger.Error().Err(cause).Str("id", id).Msg(message)
	r.events.fault(FaultEvent{ID: id, Message: message, Cause: cause})
}

// GetEntry returns a snapshot of the replica.
func (r *Repository) GetEntry(id string) (replica.Entry, error) {
	if err := r.requireOpen(); err != nil {
		return replica.Entry{}, err
	}
	e, err := r.store.Get(id)
	if err != nil {
		return replica.Entry{}, r.storeError(id, err)
	}
	return e, nil
}

// GetState returns the state of the replica; unknown replicas are NEW.
func (r *Repository) GetState(id string) (replica.State, error) {
	if err := r.requireOpen(); err != nil {
		return replica.New, err
	}
	e, err := r.store.Get(id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return replica.New, nil
		}
		return replica.New, r.storeError(id, err)
	}
	return e.State, nil
}

// Entries returns snapshots of all replicas, sorted by id.
func (r *Repository) Entries() ([]replica.Entry, error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	return r.store.Entries(), nil
}

// Counts returns the number of replicas per state.
func (r *Repository) Counts() (map[replica.State]int, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}
	counts := make(map[replica.State]int, len(replica.AllStates))
	for _, e := range entries {
		counts[e.State]++
	}
	return counts, nil
}

// SpaceRecord returns a snapshot of the pool's space usage.
func (r *Repository) SpaceRecord() (SpaceRecord, error) {
	if err := r.requireOpen(); err != nil {
		return SpaceRecord{}, err
	}
	return r.spaceRecord(), nil
}

func (r *Repository) spaceRecord() SpaceRecord {
	s := r.account.Stats()
	rec := SpaceRecord{
		Total:     s.Total,
		Free:      s.Free,
		Precious:  s.Precious,
		Removable: s.Removable,
		Gap:       r.gap(s.Total),
	}
	r.lruMu.RLock()
	if r.lru != nil {
		rec.LRU = r.lru.LRU()
	}
	r.lruMu.RUnlock()
	return rec
}

func (r *Repository) gap(total int64) int64 {
	if r.opts.Gap > 0 {
		return r.opts.Gap
	}
	gap := total / 4
	if gap > maxDefaultGap {
		gap = maxDefaultGap
	}
	return gap
}

// SetMaxDiskSpace changes the configured pool size. The effective size
// never drops below used space nor exceeds what the volume can hold.
func (r *Repository) SetMaxDiskSpace(size int64) error {
	if size < 0 {
		return fmt.Errorf("max disk space %d: %w", size, ErrIllegalArgument)
	}
	r.sizeMu.Lock()
	r.maxDiskSpace = size
	r.sizeMu.Unlock()

	switch r.Lifecycle() {
	case Open, Loading:
		return r.applyPoolSize()
	default:
		return nil
	}
}

// applyPoolSize sets the account total to
// max(used, min(configured, volume free + used)).
func (r *Repository) applyPoolSize() error {
	r.sizeMu.Lock()
	defer r.sizeMu.Unlock()

	used := r.account.Used()
	size := r.maxDiskSpace

	stats, err := r.files.Stats()
	switch {
	case err == nil:
		limit := stats.Available + used
		if size == 0 {
			size = limit
		} else if size > limit {
			r.logger.Warn().Int64("configured", size).Int64("available", limit).
				Msg("configured pool size exceeds the volume, limiting to volume size")
			size = limit
		}
	case errors.Is(err, filestore.ErrNoVolumeStats):
		if size == 0 {
			r.logger.Warn().Msg("pool size unknown and not configured, limiting to used space")
		}
	default:
		return fmt.Errorf("volume statistics: %w: %w", ErrDiskError, err)
	}

	if size < used {
		r.logger.Warn().Int64("configured", size).Int64("used", used).
			Msg("pool size below used space, limiting to used space")
		size = used
	}
	for {
		err := r.account.SetTotal(size)
		if err == nil {
			break
		}
		if !errors.Is(err, account.ErrBelowUsed) {
			return err
		}
		// Allocations raced the computation.
		size = r.account.Used()
	}
	r.logger.Info().Int64("total", size).Msg("pool size set")
	return nil
}

// storeError maps metadata store errors to repository errors.
func (r *Repository) storeError(id string, err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return fmt.Errorf("%s: %w", id, ErrNotInCache)
	case errors.Is(err, metadata.ErrExists):
		return fmt.Errorf("%s: %w", id, ErrDuplicateEntry)
	case errors.Is(err, metadata.ErrIllegalTransition):
		return fmt.Errorf("%w: %w", ErrIllegalTransition, err)
	case errors.Is(err, metadata.ErrStillLinked):
		return fmt.Errorf("%w: %w", ErrIllegalState, err)
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrIllegalState),
		errors.Is(err, ErrLocked),
		errors.Is(err, ErrNotInCache),
		errors.Is(err, ErrNotRemovable),
		errors.Is(err, ErrIllegalArgument),
		errors.Is(err, ErrDiskError):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", id, ErrDiskError, err)
	}
}

func validateID(id string) error {
	if err := replica.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %w", ErrIllegalArgument, err)
	}
	return nil
}
