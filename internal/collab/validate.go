package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/qti"
)

// ValidationReport is the validate stage output shape.
type ValidationReport struct {
	Passed      bool        `json:"passed"`
	Issues      []qti.Issue `json:"issues,omitempty"`
	ValidatedAt time.Time   `json:"validated_at"`
}

// Validate runs the structural item checks and records the report. A
// failing report is still a successful stage; sync is the gate that acts
// on it.
type Validate struct {
	log *logger.Logger
}

func NewValidate(baseLog *logger.Logger) *Validate {
	return &Validate{log: baseLog.With("collaborator", "validate")}
}

func (v *Validate) Invoke(ctx context.Context, req executor.Request) ([]byte, error) {
	xml, ok := req.Inputs["generate"]
	if !ok {
		return nil, fmt.Errorf("generate output missing for %s", req.ArtifactID)
	}
	issues := qti.ValidateItem(xml)
	report := ValidationReport{
		Passed:      len(issues) == 0,
		Issues:      issues,
		ValidatedAt: time.Now().UTC(),
	}
	if !report.Passed {
		v.log.Info("item has validation issues",
			"artifact_id", req.ArtifactID, "issues", len(issues))
	}
	return json.Marshal(report)
}
