package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

const testSchema = `
CREATE TABLE artifact (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	parent_id TEXT,
	review_state TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE stage_record (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'not_started',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	output_ref TEXT,
	completed_at DATETIME,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME,
	UNIQUE (artifact_id, stage)
);
`

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestStore(t *testing.T) (*Store, string, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range strings.Split(testSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	log := mustTestLogger(t)
	dir := t.TempDir()
	st := New(dir, repos.NewStageRecordRepo(conn, log), repos.NewArtifactRepo(conn, log), log)
	return st, dir, conn
}

var parseStage = registry.Stage{Name: "parse", Output: "parse.json", Shape: registry.ShapeJSON}

func completeStage(t *testing.T, st *Store, artifactID string, stg registry.Stage, content []byte) {
	t.Helper()
	ctx := context.Background()
	rec, claimed, err := st.ClaimStage(ctx, artifactID, stg.Name)
	if err != nil || !claimed {
		t.Fatalf("ClaimStage: claimed=%v err=%v", claimed, err)
	}
	ref, err := st.WriteOutput(artifactID, stg, content)
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	now := time.Now().UTC()
	rec.Status = domain.StageCompleted
	rec.OutputRef = ref
	rec.CompletedAt = &now
	if err := st.SetStageRecord(ctx, rec); err != nil {
		t.Fatalf("SetStageRecord: %v", err)
	}
}

func TestWriteAndReadOutput(t *testing.T) {
	st, dir, _ := newTestStore(t)
	ctx := context.Background()

	completeStage(t, st, "q-1", parseStage, []byte(`{"text":"hello"}`))

	got, err := st.ReadOutput(ctx, "q-1", "parse")
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if string(got) != `{"text":"hello"}` {
		t.Fatalf("round trip: got %q", got)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "q-1"))
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadOutputRequiresCompletedRecord(t *testing.T) {
	st, dir, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := st.ReadOutput(ctx, "q-1", "parse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown stage: want ErrNotFound, got %v", err)
	}

	// A file on disk without a completed record must not count.
	if err := os.MkdirAll(filepath.Join(dir, "q-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "q-1", "parse.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if _, err := st.ReadOutput(ctx, "q-1", "parse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("file without record: want ErrNotFound, got %v", err)
	}
}

func TestReadOutputMissingFile(t *testing.T) {
	st, dir, _ := newTestStore(t)
	ctx := context.Background()

	completeStage(t, st, "q-1", parseStage, []byte("{}"))
	if err := os.Remove(filepath.Join(dir, "q-1", "parse.json")); err != nil {
		t.Fatalf("remove output: %v", err)
	}
	if _, err := st.ReadOutput(ctx, "q-1", "parse"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed record with missing file: want ErrNotFound, got %v", err)
	}
}

func TestWriteOutputReplacesAtomically(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	completeStage(t, st, "q-1", parseStage, []byte(`{"v":1}`))
	if _, err := st.WriteOutput("q-1", parseStage, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := st.ReadOutput(ctx, "q-1", "parse")
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("rewrite should replace content, got %q", got)
	}
}

func TestSetStageRecordConflict(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, claimed, err := st.ClaimStage(ctx, "q-1", "parse")
	if err != nil || !claimed {
		t.Fatalf("ClaimStage: claimed=%v err=%v", claimed, err)
	}

	stale := *rec
	rec.Status = domain.StageCompleted
	if err := st.SetStageRecord(ctx, rec); err != nil {
		t.Fatalf("SetStageRecord: %v", err)
	}

	stale.Status = domain.StageFailed
	err = st.SetStageRecord(ctx, &stale)
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("stale write: want ErrWriteConflict, got %v", err)
	}
}

func TestClaimStage(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	rec, claimed, err := st.ClaimStage(ctx, "q-1", "parse")
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if !claimed || rec.Status != domain.StageInProgress {
		t.Fatalf("fresh claim: claimed=%v status=%s", claimed, rec.Status)
	}

	if _, claimed, err := st.ClaimStage(ctx, "q-1", "parse"); err != nil || claimed {
		t.Fatalf("second claim should lose: claimed=%v err=%v", claimed, err)
	}

	rec.Status = domain.StageFailed
	rec.AttemptCount = 1
	if err := st.SetStageRecord(ctx, rec); err != nil {
		t.Fatalf("SetStageRecord: %v", err)
	}
	if _, claimed, err := st.ClaimStage(ctx, "q-1", "parse"); err != nil || !claimed {
		t.Fatalf("claim after failure should win: claimed=%v err=%v", claimed, err)
	}
}

func TestClaimStageTakesOverStaleHolder(t *testing.T) {
	st, _, conn := newTestStore(t)
	ctx := context.Background()

	rec, claimed, err := st.ClaimStage(ctx, "q-1", "parse")
	if err != nil || !claimed {
		t.Fatalf("ClaimStage: claimed=%v err=%v", claimed, err)
	}

	// The holder dies without ever writing a result. Once the claim is
	// older than the stale window the next claimant takes it over.
	stale := time.Now().Add(-10 * time.Minute)
	if err := conn.Exec("UPDATE stage_record SET updated_at = ? WHERE id = ?", stale, rec.ID).Error; err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	taken, claimed, err := st.ClaimStage(ctx, "q-1", "parse")
	if err != nil {
		t.Fatalf("ClaimStage after stale: %v", err)
	}
	if !claimed {
		t.Fatal("stale in_progress claim should be taken over")
	}
	if taken.Status != domain.StageInProgress || taken.Version != rec.Version+1 {
		t.Fatalf("takeover record: status=%s version=%d", taken.Status, taken.Version)
	}

	// The new holder can finish the stage normally.
	ref, err := st.WriteOutput("q-1", parseStage, []byte(`{"text":"recovered"}`))
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	now := time.Now().UTC()
	taken.Status = domain.StageCompleted
	taken.OutputRef = ref
	taken.CompletedAt = &now
	if err := st.SetStageRecord(ctx, taken); err != nil {
		t.Fatalf("SetStageRecord after takeover: %v", err)
	}
}

func TestClaimStageRefusesRecentHolder(t *testing.T) {
	st, _, conn := newTestStore(t)
	ctx := context.Background()

	rec, claimed, err := st.ClaimStage(ctx, "q-1", "parse")
	if err != nil || !claimed {
		t.Fatalf("ClaimStage: claimed=%v err=%v", claimed, err)
	}

	// Within the stale window the claim is still owned.
	recent := time.Now().Add(-time.Second)
	if err := conn.Exec("UPDATE stage_record SET updated_at = ? WHERE id = ?", recent, rec.ID).Error; err != nil {
		t.Fatalf("touch claim: %v", err)
	}
	if _, claimed, err := st.ClaimStage(ctx, "q-1", "parse"); err != nil || claimed {
		t.Fatalf("recent in_progress claim should be refused: claimed=%v err=%v", claimed, err)
	}
}

func TestStageRecordDefaultsToNotStarted(t *testing.T) {
	st, _, _ := newTestStore(t)
	rec, err := st.StageRecord(context.Background(), "q-404", "parse")
	if err != nil {
		t.Fatalf("StageRecord: %v", err)
	}
	if rec.Status != domain.StageNotStarted {
		t.Fatalf("unknown stage should be not_started, got %s", rec.Status)
	}
}

func TestEnsureArtifactIsIdempotent(t *testing.T) {
	st, _, _ := newTestStore(t)
	ctx := context.Background()

	a, err := st.EnsureArtifact(ctx, "v-1", domain.KindVariant, "q-1")
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	b, err := st.EnsureArtifact(ctx, "v-1", domain.KindVariant, "q-1")
	if err != nil {
		t.Fatalf("EnsureArtifact again: %v", err)
	}
	if a.ID != b.ID || b.ParentID != "q-1" {
		t.Fatalf("ensure should return the same row: %+v vs %+v", a, b)
	}

	ids, err := st.ListArtifacts(ctx, domain.KindVariant)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(ids) != 1 || ids[0] != "v-1" {
		t.Fatalf("ListArtifacts: got %v", ids)
	}
}
