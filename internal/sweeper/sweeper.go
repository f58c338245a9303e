// Package sweeper reclaims pool space by evicting removable replicas in
// least recently used order whenever allocations wait for space or free
// space drops below the configured margin.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/account"
	"github.com/replicastore/replicastore/internal/replica"
	"github.com/replicastore/replicastore/internal/repository"
)

const defaultInterval = time.Minute

// Pool is the part of the repository the sweeper works on.
type Pool interface {
	Account() *account.Account
	Clock() clockwork.Clock
	Entries() ([]replica.Entry, error)
	Evict(id string) (int64, error)
	AddListener(repository.Listener)
	RemoveListener(repository.Listener)
	SetLRUReporter(repository.LRUReporter)
}

// Options configures a Sweeper.
type Options struct {
	// Margin is the free space the sweeper keeps available even when no
	// allocation is waiting.
	Margin int64
	// Interval between sweeps when nothing changes.
	Interval time.Duration
	Logger   zerolog.Logger
	// OnEvict, if set, is called after each successful eviction.
	OnEvict func(id string, size int64)
}

// Stats counts the work done by the sweeper.
type Stats struct {
	Evictions int64 `json:"evictions"`
	Reclaimed int64 `json:"reclaimed"`
	Failures  int64 `json:"failures"`
	Removable int   `json:"removable"`
}

type item struct {
	lastAccess time.Time
	id         string
	size       int64
}

func less(a, b item) bool {
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	return a.id < b.id
}

// Sweeper tracks removable replicas of one pool and evicts them on demand.
type Sweeper struct {
	pool   Pool
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	lru   *btree.BTreeG[item]
	byID  map[string]item
	stats Stats
}

// New creates a sweeper for pool, registers it as listener and LRU
// reporter and indexes the replicas that are removable right now.
func New(pool Pool, opts Options) (*Sweeper, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	s := &Sweeper{
		pool:   pool,
		opts:   opts,
		clock:  pool.Clock(),
		logger: opts.Logger.With().Str("component", "sweeper").Logger(),
		lru:    btree.NewG(16, less),
		byID:   make(map[string]item),
	}
	pool.AddListener(s)
	entries, err := pool.Entries()
	if err != nil {
		pool.RemoveListener(s)
		return nil, err
	}
	for _, e := range entries {
		s.track(e)
	}
	pool.SetLRUReporter(s)
	return s, nil
}

// Close unregisters the sweeper from the pool.
func (s *Sweeper) Close() {
	s.pool.RemoveListener(s)
	s.pool.SetLRUReporter(nil)
}

// OnEvent keeps the LRU index in step with the repository.
func (s *Sweeper) OnEvent(ev repository.Event) {
	s.track(ev.Entry)
}

func (s *Sweeper) track(e replica.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[e.ID]; ok {
		s.lru.Delete(old)
		delete(s.byID, e.ID)
	}
	if e.State == replica.Destroyed || !repository.IsRemovable(e, s.clock.Now()) {
		return
	}
	it := item{lastAccess: e.LastAccess, id: e.ID, size: e.Size}
	s.lru.ReplaceOrInsert(it)
	s.byID[e.ID] = it
}

func (s *Sweeper) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[id]; ok {
		s.lru.Delete(old)
		delete(s.byID, id)
	}
}

// LRU returns the age of the least recently used removable replica.
func (s *Sweeper) LRU() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest, ok := s.lru.Min()
	if !ok {
		return 0
	}
	return s.clock.Since(oldest.lastAccess)
}

// Stats returns counters of the evictions done so far.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Removable = s.lru.Len()
	return st
}

// Candidates returns the ids of removable replicas, least recently used
// first.
func (s *Sweeper) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, s.lru.Len())
	s.lru.Ascend(func(it item) bool {
		ids = append(ids, it.id)
		return true
	})
	return ids
}

// shortfall is the space that has to be freed right now.
func (s *Sweeper) shortfall() int64 {
	st := s.pool.Account().Stats()
	return st.Requested + s.opts.Margin - st.Free
}

// Run sweeps whenever the account changes and every interval until ctx
// is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info().Int64("margin", s.opts.Margin).Dur("interval", s.opts.Interval).Msg("sweeper started")
	for {
		changed := s.pool.Account().Changed()
		s.Sweep()
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return ctx.Err()
		case <-changed:
		case <-ticker.Chan():
		}
	}
}

// Sweep evicts replicas, oldest first, until the shortfall is covered or
// no candidates are left. It returns the number of bytes reclaimed.
func (s *Sweeper) Sweep() int64 {
	need := s.shortfall()
	if need <= 0 {
		return 0
	}
	s.logger.Debug().Int64("shortfall", need).Msg("sweeping")

	var reclaimed int64
	for _, id := range s.Candidates() {
		if need <= 0 {
			break
		}
		size, err := s.pool.Evict(id)
		if err != nil {
			if errors.Is(err, repository.ErrNotRemovable) {
				// Opened, pinned or changed since it was indexed.
				s.untrack(id)
				continue
			}
			s.logger.Warn().Err(err).Str("id", id).Msg("failed to evict replica")
			s.mu.Lock()
			s.stats.Failures++
			s.mu.Unlock()
			continue
		}
		s.untrack(id)
		reclaimed += size
		s.mu.Lock()
		s.stats.Evictions++
		s.stats.Reclaimed += size
		s.mu.Unlock()
		if s.opts.OnEvict != nil {
			s.opts.OnEvict(id, size)
		}
		need = s.shortfall()
	}
	if need > 0 {
		s.logger.Warn().Int64("shortfall", need).Msg("not enough removable space")
	}
	return reclaimed
}
