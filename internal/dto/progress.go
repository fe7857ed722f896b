package dto

// RecomputeRequest triggers a maintenance recompute. An empty id list means
// every student bound to a program.
type RecomputeRequest struct {
	StudentIDs []string `json:"student_ids" validate:"omitempty,dive,required"`
}

// RecomputeResponse reports queued recompute work.
type RecomputeResponse struct {
	Students int      `json:"students"`
	JobIDs   []string `json:"job_ids,omitempty"`
}

// CompletionResponse answers the degree-completeness check.
type CompletionResponse struct {
	StudentID string `json:"student_id"`
	Complete  bool   `json:"complete"`
}
