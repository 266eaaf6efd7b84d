package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strideprep/itemforge-backend/internal/atoms"
	"github.com/strideprep/itemforge-backend/internal/http/response"
)

type AtomHandler struct {
	atoms *atoms.Service
}

func NewAtomHandler(svc *atoms.Service) *AtomHandler {
	return &AtomHandler{atoms: svc}
}

// PUT /api/atoms
func (h *AtomHandler) UpsertAtom(c *gin.Context) {
	var atom atoms.Atom
	if err := c.ShouldBindJSON(&atom); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.atoms.UpsertAtom(c.Request.Context(), atom); err != nil {
		h.respondAtomError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"atom": atom})
}

type prereqRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// POST /api/atoms/prerequisites
func (h *AtomHandler) AddPrerequisite(c *gin.Context) {
	var req prereqRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.atoms.AddPrerequisite(c.Request.Context(), req.From, req.To); err != nil {
		if errors.Is(err, atoms.ErrCycle) {
			response.RespondError(c, http.StatusConflict, "prerequisite_cycle", err)
			return
		}
		h.respondAtomError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"from": req.From, "to": req.To})
}

// GET /api/atoms/:key/prerequisites
func (h *AtomHandler) Prerequisites(c *gin.Context) {
	out, err := h.atoms.Prerequisites(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondAtomError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"atoms": out})
}

// GET /api/atoms/:key/dependents
func (h *AtomHandler) Dependents(c *gin.Context) {
	out, err := h.atoms.Dependents(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondAtomError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"atoms": out})
}

type linkItemRequest struct {
	ArtifactID string `json:"artifact_id" binding:"required"`
	AtomKey    string `json:"atom_key" binding:"required"`
}

// POST /api/atoms/links
func (h *AtomHandler) LinkItem(c *gin.Context) {
	var req linkItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.atoms.LinkItem(c.Request.Context(), req.ArtifactID, req.AtomKey); err != nil {
		h.respondAtomError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"linked": true})
}

func (h *AtomHandler) respondAtomError(c *gin.Context, err error) {
	if errors.Is(err, atoms.ErrGraphUnavailable) {
		response.RespondError(c, http.StatusServiceUnavailable, "atom_graph_unavailable", err)
		return
	}
	response.RespondError(c, http.StatusInternalServerError, "atom_graph_error", err)
}
