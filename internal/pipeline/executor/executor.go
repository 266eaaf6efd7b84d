package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/pipeline/fingerprint"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/qti"
)

// Request carries everything a collaborator needs to produce a stage output.
// Inputs holds the completed outputs of the stage's prerequisites, keyed by
// stage name.
type Request struct {
	ArtifactID string
	Kind       string
	Stage      string
	Inputs     map[string][]byte
}

// Collaborator produces the content for one stage. Implementations wrap the
// external systems (document parser, model client, item bank) and must be
// safe for concurrent use.
type Collaborator interface {
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// Options tunes a single Execute call.
type Options struct {
	// Force re-runs the stage even when a completed record exists. The new
	// output replaces the old one under the same output ref.
	Force bool
}

// Executor runs one stage for one artifact, enforcing the per-stage
// contract: prerequisites completed, at-most-once claim, bounded
// collaborator call, shape check, dedup for flagged stages, durable
// completion.
type Executor struct {
	store          *store.Store
	reg            *registry.Registry
	index          *fingerprint.Index
	collabs        map[string]Collaborator
	defaultTimeout time.Duration
	log            *logger.Logger
}

func New(st *store.Store, reg *registry.Registry, idx *fingerprint.Index, collabs map[string]Collaborator, log *logger.Logger) *Executor {
	return &Executor{
		store:          st,
		reg:            reg,
		index:          idx,
		collabs:        collabs,
		defaultTimeout: 2 * time.Minute,
		log:            log,
	}
}

var tracer = otel.Tracer("github.com/strideprep/itemforge-backend/internal/pipeline/executor")

// Execute runs stage stg for the given artifact and returns the stage
// output. A completed stage is skipped and its stored output returned
// unless opts.Force is set. Errors are one of *DependencyNotSatisfied,
// ErrAlreadyInProgress, *StageFailure, or an infrastructure error.
func (e *Executor) Execute(ctx context.Context, kind, artifactID string, stg registry.Stage, opts Options) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "pipeline.stage")
	span.SetAttributes(
		attribute.String("artifact.id", artifactID),
		attribute.String("artifact.kind", kind),
		attribute.String("stage.name", stg.Name),
	)
	defer span.End()

	out, err := e.execute(ctx, kind, artifactID, stg, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Executor) execute(ctx context.Context, kind, artifactID string, stg registry.Stage, opts Options) ([]byte, error) {
	// Precondition check first, with no side effects on any record.
	for _, req := range stg.Requires {
		rec, err := e.store.StageRecord(ctx, artifactID, req)
		if err != nil {
			return nil, err
		}
		if rec.Status != domain.StageCompleted {
			return nil, &DependencyNotSatisfied{ArtifactID: artifactID, Stage: stg.Name, MissingStage: req}
		}
	}

	rec, err := e.store.StageRecord(ctx, artifactID, stg.Name)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.StageCompleted && !opts.Force {
		out, err := e.store.ReadOutput(ctx, artifactID, stg.Name)
		if err == nil {
			e.log.Debug("stage already completed, skipping",
				"artifact_id", artifactID, "stage", stg.Name)
			return out, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Record says completed but the output is gone. Fall through and
		// rebuild it.
		e.log.Warn("completed stage has no stored output, re-running",
			"artifact_id", artifactID, "stage", stg.Name)
	}

	rec, claimed, err := e.store.ClaimStage(ctx, artifactID, stg.Name)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyInProgress
	}

	inputs := make(map[string][]byte, len(stg.Requires))
	for _, req := range stg.Requires {
		in, err := e.store.ReadOutput(ctx, artifactID, req)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, e.fail(ctx, rec, ReasonDependency,
					fmt.Errorf("output of completed stage %s is missing", req))
			}
			return nil, err
		}
		inputs[req] = in
	}

	collab, ok := e.collabs[stg.Name]
	if !ok {
		return nil, e.fail(ctx, rec, ReasonCollaborator,
			fmt.Errorf("no collaborator bound for stage %s", stg.Name))
	}

	timeout := stg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	out, err := collab.Invoke(cctx, Request{
		ArtifactID: artifactID,
		Kind:       kind,
		Stage:      stg.Name,
		Inputs:     inputs,
	})
	cancel()
	if err != nil {
		reason := ReasonCollaborator
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded {
			reason = ReasonTimeout
			err = fmt.Errorf("collaborator exceeded %s: %w", timeout, err)
		}
		return nil, e.fail(ctx, rec, reason, err)
	}

	if err := checkShape(stg.Shape, out); err != nil {
		return nil, e.fail(ctx, rec, ReasonShape, err)
	}

	if stg.Dedup {
		fp, err := fingerprint.Compute(out)
		if err != nil {
			return nil, e.fail(ctx, rec, ReasonUnfingerprintable, err)
		}
		parent := artifactID
		if art, err := e.store.Artifact(ctx, artifactID); err == nil && art != nil && art.ParentID != "" {
			parent = art.ParentID
		}
		fresh, err := e.index.RegisterIfNew(ctx, parent, fp, artifactID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return nil, e.fail(ctx, rec, ReasonDuplicate,
				fmt.Errorf("duplicate of existing content under parent %s", parent))
		}
	}

	ref, err := e.store.WriteOutput(artifactID, stg, out)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec.Status = domain.StageCompleted
	rec.OutputRef = ref
	rec.LastError = ""
	rec.CompletedAt = &now
	if err := e.store.SetStageRecord(ctx, rec); err != nil {
		return nil, err
	}
	e.log.Info("stage completed",
		"artifact_id", artifactID, "stage", stg.Name, "output_ref", ref)
	return out, nil
}

// fail records the failure on the stage record and wraps it as a
// *StageFailure. Record write errors take precedence: a failure we could
// not persist is an infrastructure error, not a work-item failure.
func (e *Executor) fail(ctx context.Context, rec *domain.StageRecord, reason string, cause error) error {
	rec.Status = domain.StageFailed
	rec.AttemptCount++
	rec.LastError = truncate(fmt.Sprintf("%s: %v", reason, cause), 2000)
	if err := e.store.SetStageRecord(ctx, rec); err != nil {
		return err
	}
	e.log.Warn("stage failed",
		"artifact_id", rec.ArtifactID, "stage", rec.Stage,
		"reason", reason, "attempt", rec.AttemptCount, "error", cause.Error())
	return &StageFailure{ArtifactID: rec.ArtifactID, Stage: rec.Stage, Reason: reason, Err: cause}
}

func checkShape(shape string, out []byte) error {
	switch shape {
	case registry.ShapeJSON:
		if !json.Valid(out) {
			return errors.New("output is not valid JSON")
		}
	case registry.ShapeXML:
		issues := qti.ValidateItem(out)
		var fatal []string
		for _, is := range issues {
			if is.Code == qti.IssueMalformedXML || is.Code == qti.IssueMissingIdentifier {
				fatal = append(fatal, is.Code)
			}
		}
		if len(fatal) > 0 {
			return fmt.Errorf("output failed item checks: %s", strings.Join(fatal, ", "))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
