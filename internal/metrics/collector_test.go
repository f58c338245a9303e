package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/replicastore/replicastore/internal/filestore"
	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/replica"
	"github.com/replicastore/replicastore/internal/repository"
	"github.com/replicastore/replicastore/internal/sweeper"
)

func newPool(t *testing.T) *repository.Repository {
	t.Helper()
	backend, err := metadata.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	r := repository.New(filestore.NewMemory(), backend, nil, repository.Options{
		MaxDiskSpace:            4096,
		SynchronousNotification: true,
		Clock:                   clockwork.NewFakeClock(),
		Logger:                  zerolog.Nop(),
	})
	require.NoError(t, r.Init())
	require.NoError(t, r.Load(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func write(t *testing.T, r *repository.Repository, id string, size int64, state replica.State) {
	t.Helper()
	ctx := context.Background()
	d, err := r.CreateEntry(replica.Attributes{ID: id, Size: size}, replica.FromClient, state, nil, 0)
	require.NoError(t, err)
	ch, err := d.CreateChannel(ctx)
	require.NoError(t, err)
	_, err = ch.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, d.Commit(ctx))
	require.NoError(t, d.Close())
}

type fixedSweeper struct{ stats sweeper.Stats }

func (s *fixedSweeper) Stats() sweeper.Stats { return s.stats }

func TestCollectorSpaceAndCounts(t *testing.T) {
	freshRegistry(t)
	r := newPool(t)
	m := InitMetrics("pool-a", "dev")
	c := NewCollector(m, CollectorConfig{Pool: r, Logger: zerolog.Nop()})
	r.AddListener(c)
	r.AddFaultListener(c)

	write(t, r, "000000000001", 1024, replica.Precious)
	write(t, r, "000000000002", 512, replica.Cached)
	c.Collect()

	assert.Equal(t, float64(4096), promtest.ToFloat64(m.TotalBytes))
	assert.Equal(t, float64(2560), promtest.ToFloat64(m.FreeBytes))
	assert.Equal(t, float64(1024), promtest.ToFloat64(m.PreciousBytes))
	assert.Equal(t, float64(512), promtest.ToFloat64(m.RemovableBytes))
	assert.Equal(t, float64(1024), promtest.ToFloat64(m.GapBytes))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Replicas.WithLabelValues("PRECIOUS")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Replicas.WithLabelValues("CACHED")))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.Replicas.WithLabelValues("BROKEN")))

	assert.Equal(t, float64(2), promtest.ToFloat64(m.Transitions.WithLabelValues("NEW", "FROM_CLIENT")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.Transitions.WithLabelValues("FROM_CLIENT", "PRECIOUS")))
}

func TestCollectorCountsFaults(t *testing.T) {
	freshRegistry(t)
	r := newPool(t)
	m := InitMetrics("pool-a", "dev")
	c := NewCollector(m, CollectorConfig{Pool: r, Logger: zerolog.Nop()})
	r.AddFaultListener(c)

	d, err := r.CreateEntry(replica.Attributes{ID: "000000000003", Size: -1}, replica.FromClient, replica.Cached, nil, 0)
	require.NoError(t, err)
	ch, err := d.CreateChannel(context.Background())
	require.NoError(t, err)
	_, err = ch.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Equal(t, float64(1), promtest.ToFloat64(m.Faults))
}

func TestCollectorSweeperDeltas(t *testing.T) {
	freshRegistry(t)
	r := newPool(t)
	m := InitMetrics("pool-a", "dev")
	s := &fixedSweeper{stats: sweeper.Stats{Evictions: 2, Reclaimed: 2048, Removable: 3}}
	c := NewCollector(m, CollectorConfig{Pool: r, Sweeper: s, Logger: zerolog.Nop()})

	c.Collect()
	c.Collect()
	assert.Equal(t, float64(2), promtest.ToFloat64(m.Evictions))
	assert.Equal(t, float64(2048), promtest.ToFloat64(m.ReclaimedBytes))
	assert.Equal(t, float64(3), promtest.ToFloat64(m.RemovableReplicas))

	s.stats.Evictions = 5
	s.stats.Reclaimed = 4096
	s.stats.Failures = 1
	c.Collect()
	assert.Equal(t, float64(5), promtest.ToFloat64(m.Evictions))
	assert.Equal(t, float64(4096), promtest.ToFloat64(m.ReclaimedBytes))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.EvictionFailures))
}

func TestCollectorRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	freshRegistry(t)
	r := newPool(t)
	m := InitMetrics("pool-a", "dev")
	c := NewCollector(m, CollectorConfig{Pool: r, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, time.Hour)
	}()

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(m.TotalBytes) == 4096
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestCollectorBeforeLoad(t *testing.T) {
	freshRegistry(t)
	backend, err := metadata.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	r := repository.New(filestore.NewMemory(), backend, nil, repository.Options{Logger: zerolog.Nop()})
	defer func() { _ = r.Shutdown() }()

	m := InitMetrics("pool-a", "dev")
	NewCollector(m, CollectorConfig{Pool: r, Logger: zerolog.Nop()}).Collect()
	assert.Equal(t, float64(0), promtest.ToFloat64(m.TotalBytes))
}
