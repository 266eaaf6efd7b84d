package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

var (
	// ErrNotFound means the requested stage output was never completed.
	ErrNotFound = errors.New("stage output not found")
	// ErrWriteConflict means a concurrent writer changed the record under us.
	// It is always surfaced, never merged away.
	ErrWriteConflict = errors.New("conflicting concurrent write")
)

// Store is the artifact store: stage outputs live as one file per
// (artifact, stage) under the base directory, written temp-then-rename so a
// concurrent reader never sees a partial output; stage records (the
// manifest) live in the database and are the source of truth for what has
// been done. Filesystem presence alone is never treated as completion.
type Store struct {
	dir        string
	records    repos.StageRecordRepo
	artifacts  repos.ArtifactRepo
	staleClaim time.Duration
	log        *logger.Logger
}

func New(dir string, records repos.StageRecordRepo, artifacts repos.ArtifactRepo, baseLog *logger.Logger) *Store {
	return &Store{
		dir:        dir,
		records:    records,
		artifacts:  artifacts,
		staleClaim: envutil.Duration("STAGE_STALE_IN_PROGRESS_AFTER", 5*time.Minute),
		log:        baseLog.With("component", "ArtifactStore"),
	}
}

// EnsureArtifact lazily creates the artifact row on first stage execution.
func (s *Store) EnsureArtifact(ctx context.Context, id, kind, parentID string) (*domain.Artifact, error) {
	return s.artifacts.Ensure(ctx, nil, id, kind, parentID)
}

// Artifact returns the artifact row, or nil when unknown.
func (s *Store) Artifact(ctx context.Context, id string) (*domain.Artifact, error) {
	return s.artifacts.Get(ctx, nil, id)
}

// ListArtifacts enumerates known artifact IDs of a kind, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.artifacts.ListByKind(ctx, nil, kind)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.ID)
	}
	return out, nil
}

// SetReviewState flips the human-review state of an artifact.
func (s *Store) SetReviewState(ctx context.Context, id, state string) error {
	return s.artifacts.SetReviewState(ctx, nil, id, state)
}

// ReadOutput returns the stored output for (artifactID, stage). Fails with
// ErrNotFound when the stage was never completed, and treats a completed
// record whose file is missing as the same inconsistency.
func (s *Store) ReadOutput(ctx context.Context, artifactID, stage string) ([]byte, error) {
	rec, err := s.StageRecord(ctx, artifactID, stage)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.StageCompleted || rec.OutputRef == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, artifactID, stage)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, rec.OutputRef))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s (output file missing)", ErrNotFound, artifactID, stage)
		}
		return nil, err
	}
	return raw, nil
}

// WriteOutput persists a stage output atomically (temp file, then rename)
// and returns the artifact-relative output ref for the stage record.
func (s *Store) WriteOutput(artifactID string, stage registry.Stage, content []byte) (string, error) {
	ref := filepath.Join(artifactID, stage.Output)
	dir := filepath.Join(s.dir, artifactID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+stage.Output+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp output: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp output: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, ref)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("commit output: %w", err)
	}
	return ref, nil
}

// StageRecord returns the manifest entry for (artifactID, stage), defaulting
// to a not_started record when none exists yet.
func (s *Store) StageRecord(ctx context.Context, artifactID, stage string) (*domain.StageRecord, error) {
	rec, err := s.records.Get(ctx, nil, artifactID, stage)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &domain.StageRecord{
			ArtifactID: artifactID,
			Stage:      stage,
			Status:     domain.StageNotStarted,
		}, nil
	}
	return rec, nil
}

// StageRecords returns all manifest entries for one artifact.
func (s *Store) StageRecords(ctx context.Context, artifactID string) ([]*domain.StageRecord, error) {
	return s.records.GetAll(ctx, nil, artifactID)
}

// SetStageRecord overwrites a manifest entry atomically. A stale version
// surfaces as ErrWriteConflict.
func (s *Store) SetStageRecord(ctx context.Context, rec *domain.StageRecord) error {
	err := s.records.SaveVersioned(ctx, nil, rec)
	if errors.Is(err, repos.ErrStaleRecord) {
		return fmt.Errorf("%w: %s/%s", ErrWriteConflict, rec.ArtifactID, rec.Stage)
	}
	return err
}

// ClaimStage transitions (artifactID, stage) to in_progress. claimed=false
// means another worker holds it; the caller skips the item. A claim whose
// holder died before writing a result goes stale after
// STAGE_STALE_IN_PROGRESS_AFTER and is taken over by the next claimant.
func (s *Store) ClaimStage(ctx context.Context, artifactID, stage string) (*domain.StageRecord, bool, error) {
	return s.records.Claim(ctx, nil, artifactID, stage, s.staleClaim)
}
