package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusops/progress-api/internal/dto"
	"github.com/campusops/progress-api/internal/models"
	"github.com/campusops/progress-api/internal/service"
	appErrors "github.com/campusops/progress-api/pkg/errors"
	"github.com/campusops/progress-api/pkg/response"
)

type progressServiceMock struct {
	progress     *models.StudentProgress
	err          error
	recomputeIDs []string
}

func (m *progressServiceMock) GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.progress, nil
}

func (m *progressServiceMock) IsComplete(ctx context.Context, studentID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.progress.Complete, nil
}

func (m *progressServiceMock) Recompute(ctx context.Context, studentIDs []string) (int, []string, error) {
	m.recomputeIDs = studentIDs
	return len(studentIDs), []string{"job-1"}, nil
}

type exportServiceMock struct{}

func (m *exportServiceMock) Generate(ctx context.Context, studentID, format string) (*service.ExportResult, error) {
	return &service.ExportResult{Token: "tok", URL: "/api/v1/exports/tok", Format: format}, nil
}

func (m *exportServiceMock) ParseToken(token string) (string, error) {
	return "", appErrors.ErrForbidden
}

func (m *exportServiceMock) Open(relPath string) (*os.File, error) {
	return nil, os.ErrNotExist
}

func performRequest(t *testing.T, h *ProgressHandler, method, target string, params gin.Params, body []byte, fn gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(method, target, bytes.NewReader(body))
	require.NoError(t, err)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Request = req
	c.Params = params
	fn(c)
	return w
}

func TestProgressHandlerGet(t *testing.T) {
	mock := &progressServiceMock{progress: &models.StudentProgress{
		StudentID: "U1",
		Categories: []models.ProgressSnapshot{
			{Category: "Core", MinCourses: 2, CompletedCourses: 2},
		},
		Complete: true,
	}}
	h := NewProgressHandler(mock, &exportServiceMock{})

	w := performRequest(t, h, http.MethodGet, "/students/U1/progress",
		gin.Params{{Key: "id", Value: "U1"}}, nil, h.Get)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Data)
}

func TestProgressHandlerGetNotFound(t *testing.T) {
	mock := &progressServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "student GHOST not found")}
	h := NewProgressHandler(mock, &exportServiceMock{})

	w := performRequest(t, h, http.MethodGet, "/students/GHOST/progress",
		gin.Params{{Key: "id", Value: "GHOST"}}, nil, h.Get)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgressHandlerComplete(t *testing.T) {
	mock := &progressServiceMock{progress: &models.StudentProgress{StudentID: "U1", Complete: true}}
	h := NewProgressHandler(mock, &exportServiceMock{})

	w := performRequest(t, h, http.MethodGet, "/students/U1/progress/complete",
		gin.Params{{Key: "id", Value: "U1"}}, nil, h.Complete)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data dto.CompletionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.Complete)
	assert.Equal(t, "U1", envelope.Data.StudentID)
}

func TestProgressHandlerRecompute(t *testing.T) {
	mock := &progressServiceMock{}
	h := NewProgressHandler(mock, &exportServiceMock{})

	body, _ := json.Marshal(dto.RecomputeRequest{StudentIDs: []string{"U1", "U2"}})
	w := performRequest(t, h, http.MethodPost, "/progress/recompute", nil, body, h.Recompute)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"U1", "U2"}, mock.recomputeIDs)
}

func TestProgressHandlerExport(t *testing.T) {
	h := NewProgressHandler(&progressServiceMock{}, &exportServiceMock{})

	w := performRequest(t, h, http.MethodGet, "/students/U1/progress/export?format=pdf",
		gin.Params{{Key: "id", Value: "U1"}}, nil, h.Export)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data service.ExportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "pdf", envelope.Data.Format)
}

func TestProgressHandlerDownloadInvalidToken(t *testing.T) {
	h := NewProgressHandler(&progressServiceMock{}, &exportServiceMock{})

	w := performRequest(t, h, http.MethodGet, "/exports/bad",
		gin.Params{{Key: "token", Value: "bad"}}, nil, h.Download)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
