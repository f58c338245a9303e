package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("REPLICASTORE_TEST", "1")
	os.Exit(m.Run())
}

// freshRegistry swaps Registry for the duration of the test.
func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("pool-a", "1.0.0")
	require.NotNil(t, m)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.PoolInfo.WithLabelValues("pool-a", "1.0.0")))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.TotalBytes))

	m.Transitions.WithLabelValues("PRECIOUS", "CACHED").Inc()
	assert.Equal(t, 1, promtest.CollectAndCount(m.Transitions))
}

func TestInitMetricsTwicePanics(t *testing.T) {
	freshRegistry(t)

	InitMetrics("pool-a", "1.0.0")
	assert.Panics(t, func() { InitMetrics("pool-a", "1.0.0") }, "metrics are registered once per registry")
}
