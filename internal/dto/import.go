package dto

import "github.com/campusops/progress-api/internal/models"

// ImportRequest carries the multipart form fields accompanying a sheet upload.
type ImportRequest struct {
	ProgramCode string `form:"program_code" validate:"omitempty,max=32"`
}

// ImportSummary reports the synchronous outcome of a sheet import. Progress
// recomputation runs asynchronously; JobIDs identify the queued work.
type ImportSummary struct {
	Students int                 `json:"students"`
	Facts    int                 `json:"facts"`
	Merge    models.MergeOutcome `json:"merge"`
	JobIDs   []string            `json:"job_ids,omitempty"`
	Messages []string            `json:"messages,omitempty"`
}
