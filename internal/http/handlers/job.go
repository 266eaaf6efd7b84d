package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strideprep/itemforge-backend/internal/domain"
	"github.com/strideprep/itemforge-backend/internal/http/response"
	"github.com/strideprep/itemforge-backend/internal/pipeline/tracker"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

type JobHandler struct {
	jobs  repos.BatchJobRepo
	track *tracker.Tracker
}

func NewJobHandler(jobs repos.BatchJobRepo, track *tracker.Tracker) *JobHandler {
	return &JobHandler{jobs: jobs, track: track}
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	jobs, err := h.jobs.List(c.Request.Context(), nil, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	status, err := h.track.Status(c.Request.Context(), jobID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	if status == nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found",
			fmt.Errorf("no job %s", jobID))
		return
	}
	response.RespondOK(c, gin.H{"job": status})
}

// GET /api/jobs/:id/logs?offset=N&limit=M
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	lines, hasMore := h.track.Logs(jobID, offset, limit)
	response.RespondOK(c, gin.H{"logs": lines, "has_more": hasMore})
}

// POST /api/jobs/:id/cancel
//
// Marks the job cancelled. The worker running it stops dispatching new
// work items; in-flight stages finish and record their results.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	ok, err := h.jobs.UpdateFieldsUnlessStatus(c.Request.Context(), nil, jobID,
		[]string{domain.JobCompleted, domain.JobFailed, domain.JobCancelled},
		map[string]interface{}{"status": domain.JobCancelled})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "cancel_job_failed", err)
		return
	}
	if !ok {
		response.RespondError(c, http.StatusConflict, "job_not_cancellable",
			fmt.Errorf("job %s already finished", jobID))
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}
