package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/account"
	"github.com/replicastore/replicastore/internal/replica"
	"github.com/replicastore/replicastore/internal/repository"
	"github.com/replicastore/replicastore/internal/sweeper"
)

// Pool is the repository view the collector reads from.
type Pool interface {
	SpaceRecord() (repository.SpaceRecord, error)
	Counts() (map[replica.State]int, error)
	Account() *account.Account
}

// SweeperStats reports sweeper counters.
type SweeperStats interface {
	Stats() sweeper.Stats
}

// Collector periodically copies pool statistics into the metrics and
// counts transitions and faults as they happen.
type Collector struct {
	metrics *PoolMetrics
	pool    Pool
	sweeper SweeperStats
	logger  zerolog.Logger

	// Last sweeper snapshot for delta calculation
	lastSweep sweeper.Stats
}

// CollectorConfig holds the sources of a collector. Sweeper is optional.
type CollectorConfig struct {
	Pool    Pool
	Sweeper SweeperStats
	Logger  zerolog.Logger
}

// NewCollector creates a new metrics collector.
func NewCollector(m *PoolMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		pool:    cfg.Pool,
		sweeper: cfg.Sweeper,
		logger:  cfg.Logger.With().Str("component", "metrics").Logger(),
	}
}

// OnEvent counts state transitions.
func (c *Collector) OnEvent(ev repository.Event) {
	if ev.Kind != repository.StateChanged {
		return
	}
	c.metrics.Transitions.WithLabelValues(ev.OldState.String(), ev.NewState.String()).Inc()
}

// OnFault counts faults.
func (c *Collector) OnFault(repository.FaultEvent) {
	c.metrics.Faults.Inc()
}

// Collect gathers all metrics once.
func (c *Collector) Collect() {
	c.collectSpace()
	c.collectReplicas()
	c.collectSweeper()
}

func (c *Collector) collectSpace() {
	rec, err := c.pool.SpaceRecord()
	if err != nil {
		c.logger.Debug().Err(err).Msg("space record unavailable")
		return
	}
	c.metrics.TotalBytes.Set(float64(rec.Total))
	c.metrics.FreeBytes.Set(float64(rec.Free))
	c.metrics.PreciousBytes.Set(float64(rec.Precious))
	c.metrics.RemovableBytes.Set(float64(rec.Removable))
	c.metrics.GapBytes.Set(float64(rec.Gap))
	c.metrics.LRUSeconds.Set(rec.LRU.Seconds())

	s := c.pool.Account().Stats()
	c.metrics.RequestedBytes.Set(float64(s.Requested))
	c.metrics.Waiters.Set(float64(s.Waiters))
}

func (c *Collector) collectReplicas() {
	counts, err := c.pool.Counts()
	if err != nil {
		c.logger.Debug().Err(err).Msg("replica counts unavailable")
		return
	}
	for _, state := range replica.AllStates {
		c.metrics.Replicas.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

func (c *Collector) collectSweeper() {
	if c.sweeper == nil {
		return
	}
	s := c.sweeper.Stats()
	if d := s.Evictions - c.lastSweep.Evictions; d > 0 {
		c.metrics.Evictions.Add(float64(d))
	}
	if d := s.Reclaimed - c.lastSweep.Reclaimed; d > 0 {
		c.metrics.ReclaimedBytes.Add(float64(d))
	}
	if d := s.Failures - c.lastSweep.Failures; d > 0 {
		c.metrics.EvictionFailures.Add(float64(d))
	}
	c.metrics.RemovableReplicas.Set(float64(s.Removable))
	c.lastSweep = s
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
