package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/mediaengine/mockengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
	"github.com/riverbed-media/estuary/pkg/worker"
)

func newPool(t *testing.T, engine *mockengine.Engine, count int) *worker.Pool {
	t.Helper()

	pool, err := worker.NewPool(
		context.Background(),
		engine,
		count,
		mediaengine.WorkerSettings{RTCMinPort: 40000, RTCMaxPort: 49999},
		mediaengine.DefaultCodecs(),
		worker.Options{},
		logrus.WithField("test", t.Name()),
	)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestAcquireSpreadsRoutersAcrossWorkers(t *testing.T) {
	engine := mockengine.New()
	pool := newPool(t, engine, 3)

	for i := 0; i < 6; i++ {
		_, router, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.NotNil(t, router)
	}

	// Router count dominates the cost metric, so the load must be even.
	for _, w := range engine.Workers() {
		assert.Equal(t, 2, w.RouterCount())
	}
}

func TestAcquirePrefersIdleCPU(t *testing.T) {
	engine := mockengine.New()
	pool := newPool(t, engine, 2)

	engine.Workers()[0].SetCPUUsage(0.9)

	_, _, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, engine.Workers()[0].RouterCount())
	assert.Equal(t, 1, engine.Workers()[1].RouterCount())
}

func TestQuarantinedWorkerIsSkipped(t *testing.T) {
	engine := mockengine.New()
	pool := newPool(t, engine, 2)

	var downID int
	pool.OnWorkerDown(func(workerID int, err error) { downID = workerID })

	engine.Workers()[0].Kill(errors.New("segfault"))
	assert.Equal(t, 0, downID)
	assert.Equal(t, 1, pool.Healthy())

	for i := 0; i < 3; i++ {
		_, _, err := pool.Acquire(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, engine.Workers()[0].RouterCount())
	assert.Equal(t, 3, engine.Workers()[1].RouterCount())
}

func TestAcquireFailsWhenAllWorkersDown(t *testing.T) {
	engine := mockengine.New()
	pool := newPool(t, engine, 1)

	engine.Workers()[0].Kill(errors.New("oom"))

	_, _, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, sfuerr.EngineUnavailable)
}
