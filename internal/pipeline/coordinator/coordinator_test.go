package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/fingerprint"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/pipeline/tracker"
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
CREATE TABLE fingerprint (
	id TEXT PRIMARY KEY,
	parent_artifact_id TEXT NOT NULL,
	value TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	created_at DATETIME,
	UNIQUE (parent_artifact_id, value)
);
CREATE TABLE batch_job (
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

type fakeCollab struct {
	calls int32
	fn    func(ctx context.Context, req executor.Request) ([]byte, error)
}

func (f *fakeCollab) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, req)
}

func (f *fakeCollab) callCount() int32 { return atomic.LoadInt32(&f.calls) }

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) JobEvent(_ context.Context, _ uuid.UUID, event string, _ map[string]interface{}) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeNotifier) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

func itemXML(prompt string) []byte {
	return []byte(fmt.Sprintf(`<qti-assessment-item identifier="gen">
  <qti-response-declaration><qti-correct-response><qti-value>A</qti-value></qti-correct-response></qti-response-declaration>
  <qti-item-body>
    <qti-choice-interaction>
      <qti-prompt>%s</qti-prompt>
      <qti-simple-choice identifier="A">yes</qti-simple-choice>
      <qti-simple-choice identifier="B">no</qti-simple-choice>
    </qti-choice-interaction>
  </qti-item-body>
</qti-assessment-item>`, prompt))
}

// questionCollabs wires parse, segment and generate with canned outputs.
func questionCollabs() map[string]executor.Collaborator {
	return map[string]executor.Collaborator{
		"parse": &fakeCollab{fn: func(_ context.Context, req executor.Request) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"text":"source for %s"}`, req.ArtifactID)), nil
		}},
		"segment": &fakeCollab{fn: func(context.Context, executor.Request) ([]byte, error) {
			return []byte(`{"segments":[{"topic":"t","text":"x"}]}`), nil
		}},
		"generate": &fakeCollab{fn: func(_ context.Context, req executor.Request) ([]byte, error) {
			return itemXML("Question for " + req.ArtifactID), nil
		}},
	}
}

type env struct {
	coord *Coordinator
	store *store.Store
	jobs  repos.BatchJobRepo
	notif *fakeNotifier
	conn  *gorm.DB
}

func newTestEnv(t *testing.T, collabs map[string]executor.Collaborator) *env {
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
	st := store.New(t.TempDir(), repos.NewStageRecordRepo(conn, log), repos.NewArtifactRepo(conn, log), log)
	idx := fingerprint.NewIndex(repos.NewFingerprintRepo(conn, log), log)
	reg := registry.Default()
	exec := executor.New(st, reg, idx, collabs, log)
	jobs := repos.NewBatchJobRepo(conn, log)
	notif := &fakeNotifier{}
	return &env{
		coord: New(exec, st, reg, jobs, tracker.New(jobs, log), notif, log),
		store: st,
		jobs:  jobs,
		notif: notif,
		conn:  conn,
	}
}

func (e *env) newJob(t *testing.T, artifactIDs []string, targetStage string, force bool) *domain.BatchJob {
	t.Helper()
	raw, err := json.Marshal(artifactIDs)
	if err != nil {
		t.Fatalf("marshal ids: %v", err)
	}
	job, err := e.jobs.Create(context.Background(), nil, &domain.BatchJob{
		Kind:        domain.KindQuestion,
		TargetStage: targetStage,
		ArtifactIDs: datatypes.JSON(raw),
		Force:       force,
		Concurrency: 2,
		Status:      domain.JobPending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (e *env) reload(t *testing.T, id uuid.UUID) *domain.BatchJob {
	t.Helper()
	job, err := e.jobs.GetByID(context.Background(), nil, id)
	if err != nil || job == nil {
		t.Fatalf("reload job: job=%v err=%v", job, err)
	}
	return job
}

func TestRunBatchCompletes(t *testing.T) {
	collabs := questionCollabs()
	e := newTestEnv(t, collabs)
	ctx := context.Background()

	ids := []string{"q-1", "q-2", "q-3"}
	job := e.newJob(t, ids, "generate", false)
	if err := e.coord.RunBatch(ctx, job); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	got := e.reload(t, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("status: want=%s got=%s (error=%s)", domain.JobCompleted, got.Status, got.Error)
	}
	if got.Total != 3 || got.Completed != 3 || got.Failed != 0 || got.Skipped != 0 {
		t.Fatalf("counters: %+v", got)
	}
	for _, id := range ids {
		for _, stage := range []string{"parse", "segment", "generate"} {
			rec, err := e.store.StageRecord(ctx, id, stage)
			if err != nil || rec.Status != domain.StageCompleted {
				t.Fatalf("stage %s/%s: status=%s err=%v", id, stage, rec.Status, err)
			}
		}
	}
	if !e.notif.has("job.started") || !e.notif.has("job.completed") {
		t.Fatalf("lifecycle events: got %v", e.notif.events)
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	collabs := questionCollabs()
	collabs["generate"] = &fakeCollab{fn: func(_ context.Context, req executor.Request) ([]byte, error) {
		if req.ArtifactID == "q-3" {
			return nil, fmt.Errorf("model refused")
		}
		return itemXML("Question for " + req.ArtifactID), nil
	}}
	e := newTestEnv(t, collabs)

	job := e.newJob(t, []string{"q-1", "q-2", "q-3", "q-4", "q-5"}, "generate", false)
	if err := e.coord.RunBatch(context.Background(), job); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	got := e.reload(t, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("one bad item must not fail the batch: status=%s", got.Status)
	}
	if got.Completed != 4 || got.Failed != 1 {
		t.Fatalf("counters: completed=%d failed=%d", got.Completed, got.Failed)
	}

	var items []domain.FailedItem
	if err := json.Unmarshal(got.FailedItems, &items); err != nil {
		t.Fatalf("decode failed items: %v", err)
	}
	if len(items) != 1 || items[0].ArtifactID != "q-3" || items[0].Stage != "generate" {
		t.Fatalf("failed items: %+v", items)
	}
}

func TestRunBatchIsResumable(t *testing.T) {
	collabs := questionCollabs()
	gen := collabs["generate"].(*fakeCollab)
	e := newTestEnv(t, collabs)
	ctx := context.Background()

	ids := []string{"q-1", "q-2", "q-3"}
	first := e.newJob(t, ids, "generate", false)
	if err := e.coord.RunBatch(ctx, first); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}
	if gen.callCount() != 3 {
		t.Fatalf("first run generate calls: %d", gen.callCount())
	}

	second := e.newJob(t, ids, "generate", false)
	if err := e.coord.RunBatch(ctx, second); err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}
	got := e.reload(t, second.ID)
	if got.Completed != 0 || got.Skipped != 3 {
		t.Fatalf("re-run should skip completed items: completed=%d skipped=%d", got.Completed, got.Skipped)
	}
	if gen.callCount() != 3 {
		t.Fatalf("re-run must not repeat completed work: calls=%d", gen.callCount())
	}
}

func TestRunBatchRetriesFailedItem(t *testing.T) {
	var broken int32 = 1
	collabs := questionCollabs()
	parse := collabs["parse"].(*fakeCollab)
	gen := &fakeCollab{fn: func(_ context.Context, req executor.Request) ([]byte, error) {
		if req.ArtifactID == "q-2" && atomic.LoadInt32(&broken) == 1 {
			return nil, fmt.Errorf("model unavailable")
		}
		return itemXML("Question for " + req.ArtifactID), nil
	}}
	collabs["generate"] = gen
	e := newTestEnv(t, collabs)
	ctx := context.Background()

	ids := []string{"q-1", "q-2", "q-3"}
	first := e.newJob(t, ids, "generate", false)
	if err := e.coord.RunBatch(ctx, first); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}
	if got := e.reload(t, first.ID); got.Completed != 2 || got.Failed != 1 {
		t.Fatalf("first run counters: completed=%d failed=%d", got.Completed, got.Failed)
	}

	// The model comes back. The identical batch re-attempts only the
	// failed item; completed stages stay untouched.
	atomic.StoreInt32(&broken, 0)
	second := e.newJob(t, ids, "generate", false)
	if err := e.coord.RunBatch(ctx, second); err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}

	got := e.reload(t, second.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("status: want=%s got=%s (error=%s)", domain.JobCompleted, got.Status, got.Error)
	}
	if got.Completed != 1 || got.Failed != 0 || got.Skipped != 2 {
		t.Fatalf("second run counters: completed=%d failed=%d skipped=%d", got.Completed, got.Failed, got.Skipped)
	}
	if parse.callCount() != 3 {
		t.Fatalf("completed prerequisites must not re-run: parse calls=%d", parse.callCount())
	}
	if gen.callCount() != 4 {
		t.Fatalf("only the failed item should retry: generate calls=%d", gen.callCount())
	}
	rec, err := e.store.StageRecord(ctx, "q-2", "generate")
	if err != nil || rec.Status != domain.StageCompleted {
		t.Fatalf("q-2 generate after retry: status=%s err=%v", rec.Status, err)
	}
}

func TestRunBatchRecoversWedgedStage(t *testing.T) {
	collabs := questionCollabs()
	parse := collabs["parse"].(*fakeCollab)
	e := newTestEnv(t, collabs)
	ctx := context.Background()

	// A worker claimed q-1's parse and died before writing a result.
	if _, err := e.store.EnsureArtifact(ctx, "q-1", domain.KindQuestion, ""); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	rec, claimed, err := e.store.ClaimStage(ctx, "q-1", "parse")
	if err != nil || !claimed {
		t.Fatalf("ClaimStage: claimed=%v err=%v", claimed, err)
	}
	stale := time.Now().Add(-10 * time.Minute)
	if err := e.conn.Exec("UPDATE stage_record SET updated_at = ? WHERE id = ?", stale, rec.ID).Error; err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	job := e.newJob(t, []string{"q-1"}, "generate", false)
	if err := e.coord.RunBatch(ctx, job); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	got := e.reload(t, job.ID)
	if got.Status != domain.JobCompleted || got.Completed != 1 || got.Skipped != 0 {
		t.Fatalf("wedged item should be re-attempted: status=%s completed=%d skipped=%d",
			got.Status, got.Completed, got.Skipped)
	}
	if parse.callCount() != 1 {
		t.Fatalf("parse calls: %d", parse.callCount())
	}
	for _, stage := range []string{"parse", "segment", "generate"} {
		rec, err := e.store.StageRecord(ctx, "q-1", stage)
		if err != nil || rec.Status != domain.StageCompleted {
			t.Fatalf("stage %s after recovery: status=%s err=%v", stage, rec.Status, err)
		}
	}
}

func TestRunBatchForceAppliesToTargetOnly(t *testing.T) {
	collabs := questionCollabs()
	parse := collabs["parse"].(*fakeCollab)
	gen := collabs["generate"].(*fakeCollab)
	e := newTestEnv(t, collabs)
	ctx := context.Background()

	ids := []string{"q-1", "q-2"}
	if err := e.coord.RunBatch(ctx, e.newJob(t, ids, "generate", false)); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}

	forced := e.newJob(t, ids, "generate", true)
	if err := e.coord.RunBatch(ctx, forced); err != nil {
		t.Fatalf("forced RunBatch: %v", err)
	}
	if gen.callCount() != 4 {
		t.Fatalf("force should re-run the target stage: generate calls=%d", gen.callCount())
	}
	if parse.callCount() != 2 {
		t.Fatalf("force must not re-run prerequisites: parse calls=%d", parse.callCount())
	}
	got := e.reload(t, forced.ID)
	if got.Completed != 2 {
		t.Fatalf("forced run counters: %+v", got)
	}
}

func TestRunBatchCancellationDrainsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	parse := &fakeCollab{fn: func(_ context.Context, req executor.Request) ([]byte, error) {
		close(entered)
		<-release
		return []byte(`{"text":"late"}`), nil
	}}
	e := newTestEnv(t, map[string]executor.Collaborator{"parse": parse})

	job := e.newJob(t, []string{"q-1"}, "parse", false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.coord.RunBatch(ctx, job) }()

	<-entered
	cancel()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	got := e.reload(t, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("status: want=%s got=%s", domain.JobCancelled, got.Status)
	}
	// The in-flight stage drains to a durable result instead of being torn down.
	rec, err := e.store.StageRecord(context.Background(), "q-1", "parse")
	if err != nil || rec.Status != domain.StageCompleted {
		t.Fatalf("in-flight stage should complete: status=%s err=%v", rec.Status, err)
	}
}

func TestRunBatchCancelledBeforeStart(t *testing.T) {
	collabs := questionCollabs()
	parse := collabs["parse"].(*fakeCollab)
	e := newTestEnv(t, collabs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := e.newJob(t, []string{"q-1", "q-2"}, "generate", false)
	if err := e.coord.RunBatch(ctx, job); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	got := e.reload(t, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("status: want=%s got=%s", domain.JobCancelled, got.Status)
	}
	if parse.callCount() != 0 {
		t.Fatalf("cancelled batch must not dispatch work: calls=%d", parse.callCount())
	}
}

func TestRunBatchRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t, questionCollabs())
	ctx := context.Background()

	empty := e.newJob(t, []string{}, "generate", false)
	if err := e.coord.RunBatch(ctx, empty); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	got := e.reload(t, empty.ID)
	if got.Status != domain.JobFailed || got.Error == "" {
		t.Fatalf("empty batch: status=%s error=%q", got.Status, got.Error)
	}

	badStage := e.newJob(t, []string{"q-1"}, "translate", false)
	if err := e.coord.RunBatch(ctx, badStage); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	got = e.reload(t, badStage.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("unknown target stage: status=%s", got.Status)
	}
	if !e.notif.has("job.failed") {
		t.Fatalf("failed event missing: %v", e.notif.events)
	}
}

func TestRunStage(t *testing.T) {
	e := newTestEnv(t, questionCollabs())
	ctx := context.Background()

	out, err := e.coord.RunStage(ctx, domain.KindQuestion, "q-1", "parse", false)
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if string(out) != `{"text":"source for q-1"}` {
		t.Fatalf("output: got %q", out)
	}
	if _, err := e.coord.RunStage(ctx, domain.KindQuestion, "q-1", "nope", false); err == nil {
		t.Fatalf("unknown stage should fail")
	}
}

func TestClampConcurrency(t *testing.T) {
	cases := map[int]int{-3: 1, 0: 1, 1: 1, 4: 4, 8: 8, 50: 8}
	for in, want := range cases {
		if got := ClampConcurrency(in); got != want {
			t.Fatalf("ClampConcurrency(%d): want=%d got=%d", in, want, got)
		}
	}
}
