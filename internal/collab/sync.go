package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/fingerprint"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

// SyncResult is the sync stage output shape.
type SyncResult struct {
	Result   string    `json:"result"` // created | updated | skipped
	ItemID   string    `json:"item_id"`
	SyncedAt time.Time `json:"synced_at"`
}

// Sync publishes a validated item into the item bank. It is the gate of
// the pipeline: items that failed validation, or that await review when
// review is required, never reach the bank.
type Sync struct {
	items      repos.ItemRepo
	store      *store.Store
	reviewGate bool
	log        *logger.Logger
}

func NewSync(items repos.ItemRepo, st *store.Store, baseLog *logger.Logger) *Sync {
	return &Sync{
		items:      items,
		store:      st,
		reviewGate: envutil.Bool("REVIEW_REQUIRED", false),
		log:        baseLog.With("collaborator", "sync"),
	}
}

func (s *Sync) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	xml, ok := req.Inputs["generate"]
	if !ok {
		return nil, fmt.Errorf("generate output missing for %s", req.ArtifactID)
	}
	rawReport, ok := req.Inputs["validate"]
	if !ok {
		return nil, fmt.Errorf("validate output missing for %s", req.ArtifactID)
	}
	var report ValidationReport
	if err := json.Unmarshal(rawReport, &report); err != nil {
		return nil, fmt.Errorf("decode validation report: %w", err)
	}
	if !report.Passed {
		return nil, fmt.Errorf("item failed validation with %d issues", len(report.Issues))
	}

	art, err := s.store.Artifact(ctx, req.ArtifactID)
	if err != nil {
		return nil, err
	}
	if art != nil {
		if art.ReviewState == domain.ReviewRejected {
			return nil, fmt.Errorf("item was rejected in review")
		}
		if s.reviewGate && art.ReviewState != domain.ReviewApproved {
			return nil, fmt.Errorf("item awaits review approval")
		}
	}

	fp, err := fingerprint.Compute(xml)
	if err != nil {
		// A shape-valid item always fingerprints; record 0 rather than fail.
		s.log.Warn("could not fingerprint item at sync", "artifact_id", req.ArtifactID, "error", err.Error())
		fp = ""
	}

	result, err := s.items.Upsert(ctx, nil, req.ArtifactID, string(xml), fp)
	if err != nil {
		return nil, err
	}
	s.log.Info("item synced", "artifact_id", req.ArtifactID, "result", result)

	out := SyncResult{Result: result, SyncedAt: time.Now().UTC()}
	if item, err := s.items.GetByArtifact(ctx, nil, req.ArtifactID); err == nil && item != nil {
		out.ItemID = item.ID.String()
	}
	return json.Marshal(out)
}
