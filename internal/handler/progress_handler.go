package handler

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/campusops/progress-api/internal/dto"
	"github.com/campusops/progress-api/internal/models"
	"github.com/campusops/progress-api/internal/service"
	appErrors "github.com/campusops/progress-api/pkg/errors"
	"github.com/campusops/progress-api/pkg/response"
)

type progressService interface {
	GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error)
	IsComplete(ctx context.Context, studentID string) (bool, error)
	Recompute(ctx context.Context, studentIDs []string) (int, []string, error)
}

type exportService interface {
	Generate(ctx context.Context, studentID, format string) (*service.ExportResult, error)
	ParseToken(token string) (string, error)
	Open(relPath string) (*os.File, error)
}

// ProgressHandler exposes progress read and maintenance endpoints.
type ProgressHandler struct {
	progress progressService
	exports  exportService
}

// NewProgressHandler constructs handler.
func NewProgressHandler(progress progressService, exports exportService) *ProgressHandler {
	return &ProgressHandler{progress: progress, exports: exports}
}

// Get godoc
// @Summary Per-category degree progress for a student
// @Tags Progress
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/progress [get]
func (h *ProgressHandler) Get(c *gin.Context) {
	progress, err := h.progress.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, progress, nil)
}

// Complete godoc
// @Summary Degree completeness verdict for a student
// @Tags Progress
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/progress/complete [get]
func (h *ProgressHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	complete, err := h.progress.IsComplete(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CompletionResponse{StudentID: id, Complete: complete}, nil)
}

// Export godoc
// @Summary Export a student's progress report
// @Tags Progress
// @Produce json
// @Param id path string true "Student ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {object} response.Envelope
// @Router /students/{id}/progress/export [get]
func (h *ProgressHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", service.ExportFormatCSV)
	result, err := h.exports.Generate(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Download godoc
// @Summary Download a previously exported progress report
// @Tags Progress
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Router /exports/{token} [get]
func (h *ProgressHandler) Download(c *gin.Context) {
	relPath, err := h.exports.ParseToken(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.exports.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "export no longer available"))
		return
	}
	defer file.Close()
	c.FileAttachment(file.Name(), relPath)
}

// Recompute godoc
// @Summary Queue a progress recompute
// @Tags Progress
// @Accept json
// @Produce json
// @Param request body dto.RecomputeRequest false "Student ids; empty means every bound student"
// @Success 202 {object} response.Envelope
// @Router /progress/recompute [post]
func (h *ProgressHandler) Recompute(c *gin.Context) {
	var req dto.RecomputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid recompute payload"))
			return
		}
	}
	count, jobIDs, err := h.progress.Recompute(c.Request.Context(), req.StudentIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, dto.RecomputeResponse{Students: count, JobIDs: jobIDs}, nil)
}
