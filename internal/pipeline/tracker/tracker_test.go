package tracker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

const testSchema = `CREATE TABLE batch_job (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_stage TEXT NOT NULL,
	artifact_ids TEXT,
	force BOOLEAN NOT NULL DEFAULT 0,
	concurrency INTEGER NOT NULL DEFAULT 4,
	status TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	current_item TEXT,
	failed_items TEXT,
	error TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	locked_at DATETIME,
	heartbeat_at DATETIME,
	created_at DATETIME,
	updated_at DATETIME
)`

func newTestTracker(t *testing.T) (*Tracker, repos.BatchJobRepo) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := conn.Exec(testSchema).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	jobs := repos.NewBatchJobRepo(conn, log)
	return New(jobs, log), jobs
}

func TestLogsPagination(t *testing.T) {
	track, _ := newTestTracker(t)
	jobID := uuid.New()

	for i := 0; i < 5; i++ {
		track.Append(jobID, "line %d", i)
	}

	lines, more := track.Logs(jobID, 0, 2)
	if len(lines) != 2 || !more {
		t.Fatalf("first page: lines=%d more=%v", len(lines), more)
	}
	if lines[0].Seq != 0 || lines[0].Message != "line 0" {
		t.Fatalf("first line: %+v", lines[0])
	}

	lines, more = track.Logs(jobID, 4, 10)
	if len(lines) != 1 || more {
		t.Fatalf("last page: lines=%d more=%v", len(lines), more)
	}
	if lines[0].Seq != 4 {
		t.Fatalf("last line seq: %d", lines[0].Seq)
	}

	if lines, more := track.Logs(jobID, 99, 10); lines != nil || more {
		t.Fatalf("past-end offset: lines=%v more=%v", lines, more)
	}
}

func TestLogsEviction(t *testing.T) {
	track, _ := newTestTracker(t)
	jobID := uuid.New()

	total := maxLines + 50
	for i := 0; i < total; i++ {
		track.Append(jobID, "line %d", i)
	}

	// Offsets older than the buffer snap forward to the first kept line.
	lines, _ := track.Logs(jobID, 0, 1)
	if len(lines) != 1 || lines[0].Seq != 50 {
		t.Fatalf("oldest kept line: %+v", lines)
	}
	lines, more := track.Logs(jobID, total-1, 10)
	if len(lines) != 1 || more || lines[0].Message != "line 549" {
		t.Fatalf("newest line: %+v more=%v", lines, more)
	}
}

func TestLogsUnknownAndForgotten(t *testing.T) {
	track, _ := newTestTracker(t)
	jobID := uuid.New()

	if lines, more := track.Logs(jobID, 0, 10); lines != nil || more {
		t.Fatalf("unknown job: lines=%v more=%v", lines, more)
	}

	track.Append(jobID, "hello")
	track.Forget(jobID)
	if lines, _ := track.Logs(jobID, 0, 10); lines != nil {
		t.Fatalf("forgotten job should have no lines: %v", lines)
	}
}

func TestStatusProjection(t *testing.T) {
	track, jobs := newTestTracker(t)
	ctx := context.Background()

	failed, _ := json.Marshal([]domain.FailedItem{
		{ArtifactID: "q-3", Stage: "generate", Error: "model refused", Timestamp: time.Now().UTC()},
	})
	job, err := jobs.Create(ctx, nil, &domain.BatchJob{
		Kind:        domain.KindQuestion,
		TargetStage: "generate",
		ArtifactIDs: datatypes.JSON([]byte(`["q-1","q-2","q-3"]`)),
		Status:      domain.JobRunning,
		Total:       3,
		Completed:   1,
		Failed:      1,
		FailedItems: datatypes.JSON(failed),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	st, err := track.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Remaining != 1 {
		t.Fatalf("remaining: want=1 got=%d", st.Remaining)
	}
	if len(st.FailedItems) != 1 || st.FailedItems[0].ArtifactID != "q-3" {
		t.Fatalf("failed items: %+v", st.FailedItems)
	}

	if st, err := track.Status(ctx, uuid.New()); err != nil || st != nil {
		t.Fatalf("unknown job: st=%v err=%v", st, err)
	}
}
