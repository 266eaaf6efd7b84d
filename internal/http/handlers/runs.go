package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/http/response"
	"github.com/strideprep/itemforge-backend/internal/pipeline/coordinator"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

type RunHandler struct {
	jobs repos.BatchJobRepo
	reg  *registry.Registry
}

func NewRunHandler(jobs repos.BatchJobRepo, reg *registry.Registry) *RunHandler {
	return &RunHandler{jobs: jobs, reg: reg}
}

type startRunRequest struct {
	Kind        string   `json:"kind" binding:"required"`
	TargetStage string   `json:"target_stage" binding:"required"`
	ArtifactIDs []string `json:"artifact_ids" binding:"required"`
	Force       bool     `json:"force"`
	Concurrency int      `json:"concurrency"`
}

// POST /api/runs
//
// Queues a batch run. The run is picked up asynchronously by the job
// worker; poll /api/jobs/:id for progress.
func (h *RunHandler) StartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.ArtifactIDs) == 0 {
		response.RespondError(c, http.StatusBadRequest, "empty_batch",
			fmt.Errorf("artifact_ids must not be empty"))
		return
	}
	if _, err := h.reg.Stage(req.Kind, req.TargetStage); err != nil {
		response.RespondError(c, http.StatusBadRequest, "unknown_stage", err)
		return
	}

	ids, err := json.Marshal(req.ArtifactIDs)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	job, err := h.jobs.Create(c.Request.Context(), nil, &domain.BatchJob{
		Kind:        req.Kind,
		TargetStage: req.TargetStage,
		ArtifactIDs: ids,
		Force:       req.Force,
		Concurrency: coordinator.ClampConcurrency(req.Concurrency),
		Status:      domain.JobPending,
		Total:       len(req.ArtifactIDs),
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_run_failed", err)
		return
	}
	response.RespondAccepted(c, gin.H{"job": job})
}
