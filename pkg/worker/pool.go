// Package worker owns the media-engine workers and hands out routers to new
// conferences. One worker backs many conferences; a router never outlives its
// conference and is never shared.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
)

// Weights of the worker selection cost metric. Router count dominates by
// default so conferences spread evenly even when CPU readings lag behind.
const (
	DefaultCPUWeight    = 1.0
	DefaultRouterWeight = 16.0
)

// Options tunes the pool's selection metric.
type Options struct {
	CPUWeight    float64
	RouterWeight float64
}

type poolWorker struct {
	worker      mediaengine.Worker
	quarantined bool
}

// Pool creates the configured number of workers at startup and assigns the
// least loaded one to each new conference.
type Pool struct {
	mu      sync.Mutex
	workers []*poolWorker

	codecs  []mediaengine.CodecCapability
	options Options
	logger  *logrus.Entry

	// Invoked when a worker dies fatally, after it has been quarantined.
	onWorkerDown func(workerID int, err error)
}

// NewPool starts `count` workers on the engine. Fails if any worker cannot be
// started; a pool that begins life degraded is not worth having.
func NewPool(
	ctx context.Context,
	engine mediaengine.Engine,
	count int,
	settings mediaengine.WorkerSettings,
	codecs []mediaengine.CodecCapability,
	options Options,
	logger *logrus.Entry,
) (*Pool, error) {
	if options.CPUWeight == 0 {
		options.CPUWeight = DefaultCPUWeight
	}
	if options.RouterWeight == 0 {
		options.RouterWeight = DefaultRouterWeight
	}

	pool := &Pool{
		codecs:  codecs,
		options: options,
		logger:  logger,
	}

	for i := 0; i < count; i++ {
		worker, err := engine.NewWorker(ctx, settings)
		if err != nil {
			pool.Close()
			return nil, sfuerr.Engine(err)
		}

		worker.OnDied(func(cause error) {
			pool.handleWorkerDeath(worker, cause)
		})

		pool.workers = append(pool.workers, &poolWorker{worker: worker})
		logger.WithField("worker_id", worker.ID()).Info("media worker started")
	}

	return pool, nil
}

// OnWorkerDown registers the callback invoked once per fatal worker error.
// Conferences already placed on the dead worker are the callback's problem;
// the pool only stops handing the worker out.
func (p *Pool) OnWorkerDown(fn func(workerID int, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWorkerDown = fn
}

func (p *Pool) handleWorkerDeath(worker mediaengine.Worker, cause error) {
	p.mu.Lock()
	var callback func(int, error)
	for _, pw := range p.workers {
		if pw.worker == worker && !pw.quarantined {
			pw.quarantined = true
			callback = p.onWorkerDown
		}
	}
	p.mu.Unlock()

	p.logger.WithError(cause).WithField("worker_id", worker.ID()).Error("media worker died, quarantined")

	if callback != nil {
		callback(worker.ID(), cause)
	}
}

// Acquire picks the cheapest healthy worker and creates a fresh router on it.
// Ties are broken by lowest worker id for determinism.
func (p *Pool) Acquire(ctx context.Context) (mediaengine.Worker, mediaengine.Router, error) {
	p.mu.Lock()
	var best *poolWorker
	var bestCost float64
	for _, pw := range p.workers {
		if pw.quarantined {
			continue
		}

		cost := p.options.CPUWeight*pw.worker.CPUUsage() + p.options.RouterWeight*float64(pw.worker.RouterCount())
		if best == nil || cost < bestCost {
			best = pw
			bestCost = cost
		}
	}
	p.mu.Unlock()

	if best == nil {
		return nil, nil, sfuerr.EngineUnavailable.With("no healthy media workers")
	}

	router, err := best.worker.NewRouter(ctx, p.codecs)
	if err != nil {
		return nil, nil, sfuerr.Engine(err)
	}

	p.logger.WithFields(logrus.Fields{
		"worker_id": best.worker.ID(),
		"router_id": router.ID(),
	}).Debug("router allocated")

	return best.worker, router, nil
}

// Healthy reports the number of workers still eligible for acquisition.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0
	for _, pw := range p.workers {
		if !pw.quarantined {
			healthy++
		}
	}
	return healthy
}

// Size reports the total number of workers, quarantined ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close shuts every worker down.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pw := range p.workers {
		if err := pw.worker.Close(); err != nil {
			p.logger.WithError(err).WithField("worker_id", pw.worker.ID()).Warn("failed to close worker")
		}
	}
	p.workers = nil
}
