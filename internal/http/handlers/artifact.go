package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/http/response"
	"github.com/strideprep/itemforge-backend/internal/pipeline/coordinator"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
)

type ArtifactHandler struct {
	store *store.Store
	coord *coordinator.Coordinator
}

func NewArtifactHandler(st *store.Store, coord *coordinator.Coordinator) *ArtifactHandler {
	return &ArtifactHandler{store: st, coord: coord}
}

// GET /api/artifacts?kind=question
func (h *ArtifactHandler) ListArtifacts(c *gin.Context) {
	kind := c.DefaultQuery("kind", "question")
	ids, err := h.store.ListArtifacts(c.Request.Context(), kind)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_artifacts_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"artifact_ids": ids})
}

// GET /api/artifacts/:id/stages
func (h *ArtifactHandler) GetStages(c *gin.Context) {
	artifactID := c.Param("id")
	records, err := h.store.StageRecords(c.Request.Context(), artifactID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_stages_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"artifact_id": artifactID, "stages": records})
}

// GET /api/artifacts/:id/output/:stage
func (h *ArtifactHandler) GetOutput(c *gin.Context) {
	artifactID := c.Param("id")
	stage := c.Param("stage")
	out, err := h.store.ReadOutput(c.Request.Context(), artifactID, stage)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "output_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "get_output_failed", err)
		return
	}
	contentType := "application/json"
	if len(out) > 0 && out[0] == '<' {
		contentType = "application/xml"
	}
	c.Data(http.StatusOK, contentType, out)
}

type reviewRequest struct {
	State string `json:"state" binding:"required"`
}

// POST /api/artifacts/:id/review
func (h *ArtifactHandler) SetReview(c *gin.Context) {
	artifactID := c.Param("id")
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	switch req.State {
	case domain.ReviewApproved, domain.ReviewRejected, domain.ReviewPending:
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_review_state",
			fmt.Errorf("state must be pending, approved, or rejected"))
		return
	}
	if err := h.store.SetReviewState(c.Request.Context(), artifactID, req.State); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "set_review_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"artifact_id": artifactID, "review_state": req.State})
}

type rerunRequest struct {
	Kind  string `json:"kind" binding:"required"`
	Stage string `json:"stage" binding:"required"`
	Force bool   `json:"force"`
}

// POST /api/artifacts/:id/rerun
//
// Runs one stage for one artifact synchronously. Failures are returned
// with the recorded reason rather than a bare 500.
func (h *ArtifactHandler) RerunStage(c *gin.Context) {
	artifactID := c.Param("id")
	var req rerunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	_, err := h.coord.RunStage(c.Request.Context(), req.Kind, artifactID, req.Stage, req.Force)
	if err != nil {
		var dep *executor.DependencyNotSatisfied
		var fail *executor.StageFailure
		switch {
		case errors.As(err, &dep):
			response.RespondError(c, http.StatusConflict, "dependency_not_satisfied", err)
		case errors.Is(err, executor.ErrAlreadyInProgress):
			response.RespondError(c, http.StatusConflict, "stage_in_progress", err)
		case errors.As(err, &fail):
			response.RespondError(c, http.StatusUnprocessableEntity, "stage_failed:"+fail.Reason, err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "rerun_failed", err)
		}
		return
	}

	rec, rerr := h.store.StageRecord(c.Request.Context(), artifactID, req.Stage)
	if rerr != nil {
		response.RespondError(c, http.StatusInternalServerError, "rerun_failed", rerr)
		return
	}
	response.RespondOK(c, gin.H{"artifact_id": artifactID, "stage": rec})
}
