package executor

import (
	"errors"
	"fmt"
)

// Reason codes recorded on stage failures. The coordinator and operators
// branch on these: collaborator/timeout/shape failures are retryable by
// re-invoking the batch, duplicates are not (identical parameters would
// reproduce the duplicate).
const (
	ReasonCollaborator      = "collaborator"
	ReasonTimeout           = "timeout"
	ReasonShape             = "shape"
	ReasonDuplicate         = "duplicate"
	ReasonUnfingerprintable = "unfingerprintable"
	ReasonDependency        = "dependency"
)

// ErrAlreadyInProgress means another worker holds the in_progress transition
// for this (artifact, stage); the caller skips the item rather than race it.
var ErrAlreadyInProgress = errors.New("stage already in progress")

// StageFailure is a recorded work-item failure. It never propagates past the
// coordinator's batch loop.
type StageFailure struct {
	ArtifactID string
	Stage      string
	Reason     string
	Err        error
}

func (f *StageFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("stage %s failed for %s (%s): %v", f.Stage, f.ArtifactID, f.Reason, f.Err)
	}
	return fmt.Sprintf("stage %s failed for %s (%s)", f.Stage, f.ArtifactID, f.Reason)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// DependencyNotSatisfied means a stage was attempted before its prerequisite
// completed. It is an ordering error: surfaced, never bypassed, and the
// precondition check performs no side effects.
type DependencyNotSatisfied struct {
	ArtifactID   string
	Stage        string
	MissingStage string
}

func (e *DependencyNotSatisfied) Error() string {
	return fmt.Sprintf("stage %s for %s requires %s to be completed", e.Stage, e.ArtifactID, e.MissingStage)
}
