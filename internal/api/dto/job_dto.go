package dto

import "encoding/json"

type SubmitJobRequest struct {
	JobType string          `json:"job_type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Status  string `form:"status"`
	JobType string `form:"job_type"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

type ListJobsResponse struct {
	Jobs   []JobDTO `json:"jobs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}
