package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/llmproxy/ent"
)

// reclaimInterval is how often the pool sweeps for stuck processing rows.
const reclaimInterval = time.Minute

// WorkerPool runs the workerCount workers given to NewWorkerPool (one goroutine per
// Worker, each internally bounded to Config.MaxConcurrentJobs in-flight
// analyses) plus a background reclaim sweep, mirroring pkg/queue.WorkerPool.
type WorkerPool struct {
	client  *ent.Client
	cfg     Config
	workers []*Worker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool builds a pool of workerCount Workers sharing cfg and model.
func NewWorkerPool(podID string, client *ent.Client, cfg Config, model *ModelClient, workerCount int) *WorkerPool {
	workers := make([]*Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		workers = append(workers, NewWorker(fmt.Sprintf("%s-analysis-%d", podID, i), client, cfg, model))
	}
	return &WorkerPool{
		client:  client,
		cfg:     cfg,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start spawns all workers and the reclaim loop. Idempotent.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	if !p.cfg.Enabled {
		slog.Info("analysis worker pool disabled, not starting")
		return
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimLoop(ctx)
	}()

	slog.Info("analysis worker pool started", "workers", len(p.workers))
}

// Stop signals every worker and the reclaim loop to exit, then waits.
func (p *WorkerPool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *WorkerPool) runReclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := ReclaimStuckJobs(ctx, p.client, p.cfg.JobTimeout, p.cfg.MaxRetries)
			if err != nil {
				slog.Error("analysis: reclaim sweep failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				slog.Warn("analysis: reclaimed stuck jobs", "count", reclaimed)
			}
		}
	}
}
