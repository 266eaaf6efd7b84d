package fingerprint

import (
	"context"

	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

// Index is the dedup index: first-seen artifact per (parent, fingerprint).
type Index struct {
	repo repos.FingerprintRepo
	log  *logger.Logger
}

func NewIndex(repo repos.FingerprintRepo, baseLog *logger.Logger) *Index {
	return &Index{repo: repo, log: baseLog.With("component", "FingerprintIndex")}
}

// RegisterIfNew records the mapping and returns true if this fingerprint is
// new for the parent, or already held by artifactID itself. Returns false
// without recording when a different artifact holds it; the caller must then
// mark the candidate as a rejected duplicate, not completed. The
// check-and-set is atomic: two concurrent workers can never both win.
func (ix *Index) RegisterIfNew(ctx context.Context, parentArtifactID, fp, artifactID string) (bool, error) {
	fresh, err := ix.repo.InsertIfNew(ctx, nil, parentArtifactID, fp, artifactID)
	if err != nil {
		return false, err
	}
	if !fresh {
		ix.log.Debug("duplicate fingerprint rejected",
			"parent_artifact_id", parentArtifactID, "artifact_id", artifactID)
	}
	return fresh, nil
}

// IsDuplicate reports whether the fingerprint is already registered for the
// parent.
func (ix *Index) IsDuplicate(ctx context.Context, parentArtifactID, fp string) (bool, error) {
	return ix.repo.Exists(ctx, nil, parentArtifactID, fp)
}
