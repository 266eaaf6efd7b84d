package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

// maxLines bounds the in-memory log buffer per job. Older lines are
// dropped; the durable record of failures lives on the batch_job row.
const maxLines = 500

type Line struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Status is the progress projection served to operators.
type Status struct {
	JobID       uuid.UUID           `json:"job_id"`
	Kind        string              `json:"kind"`
	TargetStage string              `json:"target_stage"`
	Status      string              `json:"status"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Skipped     int                 `json:"skipped"`
	Remaining   int                 `json:"remaining"`
	CurrentItem string              `json:"current_item,omitempty"`
	FailedItems []domain.FailedItem `json:"failed_items,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type jobLog struct {
	lines []Line
	next  int // seq of the next appended line
}

// Tracker keeps a bounded per-job log buffer and projects job progress
// from the persisted batch_job row.
type Tracker struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*jobLog
	jobs repos.BatchJobRepo
	log  *logger.Logger
}

func New(jobs repos.BatchJobRepo, baseLog *logger.Logger) *Tracker {
	return &Tracker{
		byID: make(map[uuid.UUID]*jobLog),
		jobs: jobs,
		log:  baseLog.With("component", "tracker"),
	}
}

func (t *Tracker) Append(jobID uuid.UUID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	t.mu.Lock()
	jl, ok := t.byID[jobID]
	if !ok {
		jl = &jobLog{}
		t.byID[jobID] = jl
	}
	jl.lines = append(jl.lines, Line{Seq: jl.next, At: time.Now().UTC(), Message: msg})
	jl.next++
	if len(jl.lines) > maxLines {
		jl.lines = jl.lines[len(jl.lines)-maxLines:]
	}
	t.mu.Unlock()
	t.log.Debug("job log", "job_id", jobID, "message", msg)
}

// Logs returns up to limit lines starting at offset (by sequence number)
// and whether more lines follow. Lines evicted from the buffer are gone;
// an offset older than the buffer start snaps forward.
func (t *Tracker) Logs(jobID uuid.UUID, offset, limit int) ([]Line, bool) {
	if limit <= 0 || limit > maxLines {
		limit = maxLines
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	jl, ok := t.byID[jobID]
	if !ok || len(jl.lines) == 0 {
		return nil, false
	}
	first := jl.lines[0].Seq
	if offset < first {
		offset = first
	}
	start := offset - first
	if start >= len(jl.lines) {
		return nil, false
	}
	end := start + limit
	if end > len(jl.lines) {
		end = len(jl.lines)
	}
	out := make([]Line, end-start)
	copy(out, jl.lines[start:end])
	return out, end < len(jl.lines)
}

// Forget drops the buffer for a finished job.
func (t *Tracker) Forget(jobID uuid.UUID) {
	t.mu.Lock()
	delete(t.byID, jobID)
	t.mu.Unlock()
}

func (t *Tracker) Status(ctx context.Context, jobID uuid.UUID) (*Status, error) {
	job, err := t.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	st := &Status{
		JobID:       job.ID,
		Kind:        job.Kind,
		TargetStage: job.TargetStage,
		Status:      job.Status,
		Total:       job.Total,
		Completed:   job.Completed,
		Failed:      job.Failed,
		Skipped:     job.Skipped,
		CurrentItem: job.CurrentItem,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	st.Remaining = st.Total - st.Completed - st.Failed - st.Skipped
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if len(job.FailedItems) > 0 {
		if err := json.Unmarshal(job.FailedItems, &st.FailedItems); err != nil {
			t.log.Warn("failed to decode failed items", "job_id", jobID, "error", err.Error())
		}
	}
	return st, nil
}
