package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/pipeline/tracker"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 8
)

// Notifier publishes job lifecycle events to interested listeners.
type Notifier interface {
	JobEvent(ctx context.Context, jobID uuid.UUID, event string, payload map[string]interface{})
}

// Coordinator drives a batch job to a terminal status: it expands the
// target stage into its dependency closure, fans artifacts out over a
// bounded worker pool, runs each artifact's stages strictly in order, and
// folds per-item outcomes into the job row. One item's failure never
// aborts the batch.
type Coordinator struct {
	exec  *executor.Executor
	store *store.Store
	reg   *registry.Registry
	jobs  repos.BatchJobRepo
	track *tracker.Tracker
	notif Notifier
	log   *logger.Logger
}

func New(exec *executor.Executor, st *store.Store, reg *registry.Registry, jobs repos.BatchJobRepo, track *tracker.Tracker, notif Notifier, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{
		exec:  exec,
		store: st,
		reg:   reg,
		jobs:  jobs,
		track: track,
		notif: notif,
		log:   baseLog.With("component", "coordinator"),
	}
}

func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// itemOutcome classifies what happened to one artifact in the batch.
type itemOutcome int

const (
	outcomeCompleted itemOutcome = iota
	outcomeSkipped
	outcomeFailed
)

type progress struct {
	mu          sync.Mutex
	completed   int
	failed      int
	skipped     int
	failedItems []domain.FailedItem
}

func (p *progress) record(o itemOutcome, fi *domain.FailedItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case outcomeCompleted:
		p.completed++
	case outcomeSkipped:
		p.skipped++
	case outcomeFailed:
		p.failed++
		if fi != nil {
			p.failedItems = append(p.failedItems, *fi)
		}
	}
}

func (p *progress) snapshot() (completed, failed, skipped int, items []domain.FailedItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items = make([]domain.FailedItem, len(p.failedItems))
	copy(items, p.failedItems)
	return p.completed, p.failed, p.skipped, items
}

// RunBatch executes the claimed job until every artifact has an outcome or
// ctx is cancelled. Cancellation stops dispatch of new work; stages already
// handed to a collaborator run to completion and durably record their
// result before the job settles on cancelled.
func (c *Coordinator) RunBatch(ctx context.Context, job *domain.BatchJob) error {
	log := c.log.With("job_id", job.ID, "kind", job.Kind, "target_stage", job.TargetStage)

	var artifactIDs []string
	if err := json.Unmarshal(job.ArtifactIDs, &artifactIDs); err != nil {
		return c.failJob(ctx, job, fmt.Sprintf("invalid artifact id list: %v", err))
	}
	if len(artifactIDs) == 0 {
		return c.failJob(ctx, job, "batch has no artifacts")
	}
	chain, err := c.reg.Closure(job.Kind, job.TargetStage)
	if err != nil {
		return c.failJob(ctx, job, err.Error())
	}

	if _, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{domain.JobCancelled},
		map[string]interface{}{"total": len(artifactIDs), "status": domain.JobRunning}); err != nil {
		return err
	}
	c.notify(ctx, job.ID, "job.started", map[string]interface{}{
		"kind": job.Kind, "target_stage": job.TargetStage, "total": len(artifactIDs),
	})
	c.track.Append(job.ID, "run started: %d artifacts, target stage %s", len(artifactIDs), job.TargetStage)

	prog := &progress{}
	// workCtx outlives ctx so in-flight stages drain instead of being torn
	// down mid-call; cancellation is honored between work items.
	workCtx := context.WithoutCancel(ctx)

	g := &errgroup.Group{}
	g.SetLimit(ClampConcurrency(job.Concurrency))
	for _, id := range artifactIDs {
		if ctx.Err() != nil {
			break
		}
		artifactID := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome, fi := c.runItem(workCtx, ctx, job, artifactID, chain)
			prog.record(outcome, fi)
			c.flush(workCtx, job.ID, prog, artifactID)
			return nil
		})
	}
	_ = g.Wait()

	completed, failed, skipped, items := prog.snapshot()
	final := domain.JobCompleted
	if ctx.Err() != nil {
		final = domain.JobCancelled
	}
	updates := map[string]interface{}{
		"status":       final,
		"completed":    completed,
		"failed":       failed,
		"skipped":      skipped,
		"current_item": "",
	}
	if len(items) > 0 {
		raw, _ := json.Marshal(items)
		updates["failed_items"] = raw
	}
	// A cancel request that landed on the row directly still wins.
	if _, err := c.jobs.UpdateFieldsUnlessStatus(workCtx, nil, job.ID,
		[]string{domain.JobCancelled}, updates); err != nil {
		return err
	}
	c.track.Append(job.ID, "run finished: status=%s completed=%d failed=%d skipped=%d",
		final, completed, failed, skipped)
	c.notify(workCtx, job.ID, "job."+final, map[string]interface{}{
		"completed": completed, "failed": failed, "skipped": skipped,
	})
	log.Info("batch finished",
		"status", final, "completed", completed, "failed", failed, "skipped", skipped)
	return nil
}

// RunStage executes a single stage for a single artifact, outside any
// batch. Used for targeted re-runs after a fix.
func (c *Coordinator) RunStage(ctx context.Context, kind, artifactID, stage string, force bool) ([]byte, error) {
	stg, err := c.reg.Stage(kind, stage)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.EnsureArtifact(ctx, artifactID, kind, ""); err != nil {
		return nil, err
	}
	return c.exec.Execute(ctx, kind, artifactID, stg, executor.Options{Force: force})
}

// runItem drives one artifact through the stage chain. Stages for a single
// artifact never run concurrently; cancelCtx is consulted between stages so
// a cancelled batch stops before dispatching the next stage.
func (c *Coordinator) runItem(ctx, cancelCtx context.Context, job *domain.BatchJob, artifactID string, chain []registry.Stage) (itemOutcome, *domain.FailedItem) {
	if _, err := c.store.EnsureArtifact(ctx, artifactID, job.Kind, ""); err != nil {
		return outcomeFailed, &domain.FailedItem{
			ArtifactID: artifactID, Error: err.Error(), Timestamp: time.Now().UTC(),
		}
	}

	ranAny := false
	for _, stg := range chain {
		if cancelCtx.Err() != nil {
			c.track.Append(job.ID, "%s: cancelled before stage %s", artifactID, stg.Name)
			return outcomeSkipped, nil
		}
		// Only the target stage honors force; prerequisites that are
		// already completed stay as-is.
		force := job.Force && stg.Name == job.TargetStage

		rec, err := c.store.StageRecord(ctx, artifactID, stg.Name)
		if err != nil {
			return outcomeFailed, &domain.FailedItem{
				ArtifactID: artifactID, Stage: stg.Name, Error: err.Error(), Timestamp: time.Now().UTC(),
			}
		}
		if rec.Status == domain.StageCompleted && !force {
			continue
		}

		ranAny = true
		_, err = c.exec.Execute(ctx, job.Kind, artifactID, stg, executor.Options{Force: force})
		if err == nil {
			c.track.Append(job.ID, "%s: stage %s completed", artifactID, stg.Name)
			continue
		}
		if errors.Is(err, executor.ErrAlreadyInProgress) {
			c.track.Append(job.ID, "%s: stage %s held by another worker, skipping item", artifactID, stg.Name)
			return outcomeSkipped, nil
		}
		c.track.Append(job.ID, "%s: stage %s failed: %v", artifactID, stg.Name, err)
		return outcomeFailed, &domain.FailedItem{
			ArtifactID: artifactID, Stage: stg.Name, Error: err.Error(), Timestamp: time.Now().UTC(),
		}
	}

	if !ranAny {
		c.track.Append(job.ID, "%s: nothing to do", artifactID)
		return outcomeSkipped, nil
	}
	return outcomeCompleted, nil
}

// flush persists the running counters. Losing the race against a cancel is
// fine; final reconciliation happens when the batch settles.
func (c *Coordinator) flush(ctx context.Context, jobID uuid.UUID, prog *progress, currentItem string) {
	completed, failed, skipped, items := prog.snapshot()
	updates := map[string]interface{}{
		"completed":    completed,
		"failed":       failed,
		"skipped":      skipped,
		"current_item": currentItem,
	}
	if len(items) > 0 {
		raw, _ := json.Marshal(items)
		updates["failed_items"] = raw
	}
	if _, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, jobID,
		[]string{domain.JobCancelled}, updates); err != nil {
		c.log.Warn("failed to flush job progress", "job_id", jobID, "error", err.Error())
	}
}

func (c *Coordinator) failJob(ctx context.Context, job *domain.BatchJob, reason string) error {
	c.track.Append(job.ID, "run rejected: %s", reason)
	_, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{domain.JobCancelled},
		map[string]interface{}{"status": domain.JobFailed, "error": reason})
	if err != nil {
		return err
	}
	c.notify(ctx, job.ID, "job.failed", map[string]interface{}{"error": reason})
	c.log.Warn("batch rejected", "job_id", job.ID, "error", reason)
	return nil
}

func (c *Coordinator) notify(ctx context.Context, jobID uuid.UUID, event string, payload map[string]interface{}) {
	if c.notif == nil {
		return
	}
	c.notif.JobEvent(ctx, jobID, event, payload)
}
