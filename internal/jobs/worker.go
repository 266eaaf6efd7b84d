// Package jobs runs queued batch jobs. A worker polls for runnable jobs,
// claims one at a time, and hands it to the run coordinator. Jobs whose
// worker died mid-run (stale heartbeat) become claimable again.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/coordinator"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

type Worker struct {
	jobs  repos.BatchJobRepo
	coord *coordinator.Coordinator
	log   *logger.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleRunning      time.Duration

	wg sync.WaitGroup
}

func NewWorker(jobs repos.BatchJobRepo, coord *coordinator.Coordinator, baseLog *logger.Logger) *Worker {
	return &Worker{
		jobs:              jobs,
		coord:             coord,
		log:               baseLog.With("component", "job_worker"),
		pollInterval:      envutil.Duration("JOB_POLL_INTERVAL", 3*time.Second),
		heartbeatInterval: envutil.Duration("JOB_HEARTBEAT_INTERVAL", 10*time.Second),
		staleRunning:      envutil.Duration("JOB_STALE_RUNNING_AFTER", 2*time.Minute),
	}
}

// Start polls until ctx is cancelled. Blocks; run it on its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("job worker started",
		"poll_interval", w.pollInterval.String(),
		"stale_running_after", w.staleRunning.String())

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.log.Info("job worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs jobs until none are runnable.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.jobs.ClaimNextRunnable(ctx, nil, w.staleRunning)
		if err != nil {
			w.log.Warn("job claim failed", "error", err.Error())
			return
		}
		if job == nil {
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *domain.BatchJob) {
	log := w.log.With("job_id", job.ID)
	log.Info("job claimed", "kind", job.Kind, "target_stage", job.TargetStage, "attempt", job.Attempts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat and cancel-watch while the batch runs. A cancel request
	// lands on the row; seeing it flips runCtx so the coordinator stops
	// dispatching new work.
	w.wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer w.wg.Done()
		hb := time.NewTicker(w.heartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-hb.C:
				if err := w.jobs.Heartbeat(runCtx, nil, job.ID); err != nil {
					log.Warn("job heartbeat failed", "error", err.Error())
				}
				current, err := w.jobs.GetByID(runCtx, nil, job.ID)
				if err == nil && current != nil && current.Status == domain.JobCancelled {
					log.Info("job cancel requested, draining")
					cancel()
					return
				}
			}
		}
	}()

	if err := w.coord.RunBatch(runCtx, job); err != nil {
		log.Error("job run failed", "error", err.Error())
	}
	close(done)
}
