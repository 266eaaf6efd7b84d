package collab

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/qti"
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

const testItemXML = `<qti-assessment-item identifier="item-1">
  <qti-response-declaration><qti-correct-response><qti-value>A</qti-value></qti-correct-response></qti-response-declaration>
  <qti-item-body>
    <qti-choice-interaction>
      <qti-prompt>Pick one</qti-prompt>
      <qti-simple-choice identifier="A">yes</qti-simple-choice>
      <qti-simple-choice identifier="B">no</qti-simple-choice>
    </qti-choice-interaction>
  </qti-item-body>
</qti-assessment-item>`

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestStore(t *testing.T) *store.Store {
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
	return store.New(t.TempDir(), repos.NewStageRecordRepo(conn, log), repos.NewArtifactRepo(conn, log), log)
}

type fakeItemRepo struct {
	upserts int
	lastXML string
	result  string
}

func (f *fakeItemRepo) Upsert(_ context.Context, _ *gorm.DB, artifactID, itemXML, fingerprint string) (string, error) {
	f.upserts++
	f.lastXML = itemXML
	if f.result == "" {
		return domain.SyncCreated, nil
	}
	return f.result, nil
}

func (f *fakeItemRepo) GetByArtifact(context.Context, *gorm.DB, string) (*domain.Item, error) {
	return &domain.Item{ID: uuid.New()}, nil
}

func passedReport(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(ValidationReport{Passed: true, ValidatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	return raw
}

func syncRequest(t *testing.T, artifactID string, report []byte) executor.Request {
	t.Helper()
	return executor.Request{
		ArtifactID: artifactID,
		Kind:       domain.KindQuestion,
		Stage:      "sync",
		Inputs: map[string][]byte{
			"generate": []byte(testItemXML),
			"validate": report,
		},
	}
}

func TestSyncPublishesValidatedItem(t *testing.T) {
	st := newTestStore(t)
	items := &fakeItemRepo{}
	s := NewSync(items, st, mustTestLogger(t))
	ctx := context.Background()

	if _, err := st.EnsureArtifact(ctx, "q-1", domain.KindQuestion, ""); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	out, err := s.Invoke(ctx, syncRequest(t, "q-1", passedReport(t)))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if items.upserts != 1 || items.lastXML != testItemXML {
		t.Fatalf("item bank write: upserts=%d", items.upserts)
	}

	var result SyncResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result.Result != domain.SyncCreated || result.ItemID == "" {
		t.Fatalf("result: %+v", result)
	}
}

func TestSyncRefusesFailedValidation(t *testing.T) {
	st := newTestStore(t)
	items := &fakeItemRepo{}
	s := NewSync(items, st, mustTestLogger(t))

	report, _ := json.Marshal(ValidationReport{
		Passed: false,
		Issues: []qti.Issue{{Code: qti.IssueMissingPrompt, Message: "item has no prompt text"}},
	})
	_, err := s.Invoke(context.Background(), syncRequest(t, "q-1", report))
	if err == nil {
		t.Fatalf("failed validation must not sync")
	}
	if items.upserts != 0 {
		t.Fatalf("item bank must stay untouched: upserts=%d", items.upserts)
	}
}

func TestSyncRefusesRejectedReview(t *testing.T) {
	st := newTestStore(t)
	items := &fakeItemRepo{}
	s := NewSync(items, st, mustTestLogger(t))
	ctx := context.Background()

	if _, err := st.EnsureArtifact(ctx, "q-1", domain.KindQuestion, ""); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if err := st.SetReviewState(ctx, "q-1", domain.ReviewRejected); err != nil {
		t.Fatalf("SetReviewState: %v", err)
	}
	if _, err := s.Invoke(ctx, syncRequest(t, "q-1", passedReport(t))); err == nil {
		t.Fatalf("rejected item must not sync")
	}
	if items.upserts != 0 {
		t.Fatalf("item bank must stay untouched: upserts=%d", items.upserts)
	}
}

func TestSyncReviewGate(t *testing.T) {
	t.Setenv("REVIEW_REQUIRED", "true")

	st := newTestStore(t)
	items := &fakeItemRepo{}
	s := NewSync(items, st, mustTestLogger(t))
	ctx := context.Background()

	if _, err := st.EnsureArtifact(ctx, "q-1", domain.KindQuestion, ""); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}

	// Pending review blocks when the gate is on.
	if _, err := s.Invoke(ctx, syncRequest(t, "q-1", passedReport(t))); err == nil {
		t.Fatalf("pending item must wait for approval")
	}

	if err := st.SetReviewState(ctx, "q-1", domain.ReviewApproved); err != nil {
		t.Fatalf("SetReviewState: %v", err)
	}
	if _, err := s.Invoke(ctx, syncRequest(t, "q-1", passedReport(t))); err != nil {
		t.Fatalf("approved item should sync: %v", err)
	}
}

func TestValidateReportsIssuesWithoutFailing(t *testing.T) {
	v := NewValidate(mustTestLogger(t))
	out, err := v.Invoke(context.Background(), executor.Request{
		ArtifactID: "q-1",
		Stage:      "validate",
		Inputs:     map[string][]byte{"generate": []byte(`<qti-assessment-item><broken`)},
	})
	if err != nil {
		t.Fatalf("a failing item is still a successful validate stage: %v", err)
	}
	var report ValidationReport
	if err := json.Unmarshal(out, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Passed || len(report.Issues) == 0 {
		t.Fatalf("report should carry issues: %+v", report)
	}
	if report.Issues[0].Code != qti.IssueMalformedXML {
		t.Fatalf("issue code: %v", report.Issues[0])
	}
}
