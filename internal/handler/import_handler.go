package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusops/progress-api/internal/dto"
	appErrors "github.com/campusops/progress-api/pkg/errors"
	"github.com/campusops/progress-api/pkg/response"
)

type importService interface {
	ImportResults(ctx context.Context, programCode string, r io.Reader) (*dto.ImportSummary, error)
	ImportRegistrations(ctx context.Context, programCode string, r io.Reader) (*dto.ImportSummary, error)
}

// ImportHandler exposes sheet upload endpoints.
type ImportHandler struct {
	imports importService
}

// NewImportHandler constructs handler.
func NewImportHandler(imports importService) *ImportHandler {
	return &ImportHandler{imports: imports}
}

// Results godoc
// @Summary Import a results sheet
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param program_code formData string false "Program code scoping the import"
// @Param file formData file true "Results sheet (CSV)"
// @Success 200 {object} response.Envelope
// @Router /imports/results [post]
func (h *ImportHandler) Results(c *gin.Context) {
	programCode := c.PostForm("program_code")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	summary, err := h.imports.ImportResults(c.Request.Context(), programCode, src)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Registrations godoc
// @Summary Import a registrations sheet
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param program_code formData string false "Program code scoping the import"
// @Param file formData file true "Registrations sheet (CSV)"
// @Success 200 {object} response.Envelope
// @Router /imports/registrations [post]
func (h *ImportHandler) Registrations(c *gin.Context) {
	programCode := c.PostForm("program_code")
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	summary, err := h.imports.ImportRegistrations(c.Request.Context(), programCode, src)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
