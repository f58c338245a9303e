package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestName(t *testing.T) {
	assert.Equal(t, "replicastore-pool-a", Name("pool-a"))
	assert.Equal(t, "replicastore", Name(""))
}

func TestServiceConfig(t *testing.T) {
	cfg := ServiceConfig(&Config{Pool: "pool-a", ConfigPath: "/etc/replicastore/pool-a.yaml", UserName: "pool"})

	assert.Equal(t, "replicastore-pool-a", cfg.Name)
	assert.Contains(t, cfg.DisplayName, "pool-a")
	assert.Equal(t, []string{"service", "run", "--config", "/etc/replicastore/pool-a.yaml"}, cfg.Arguments)
}

func TestProgramStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/pool.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/etc/pool.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("program did not start")
	}
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgramStopReportsFailure(t *testing.T) {
	prg := &Program{
		Run: func(context.Context, string) error {
			return errors.New("load failed")
		},
	}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "load failed")
}

func TestProgramWithoutRun(t *testing.T) {
	prg := &Program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}
