package dto

import (
	"encoding/json"
	"time"

	"github.com/vidforge/renderqueue/internal/queue"
)

type EnqueueJobRequest struct {
	Payload     json.RawMessage `json:"payload" binding:"required"`
	MaxAttempts int             `json:"max_attempts"`
}

type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type ListJobsRequest struct {
	State string `form:"state"`
}

type ListJobsResponse struct {
	Jobs []JobView `json:"jobs"`
}

type ClearTerminalResponse struct {
	Removed int `json:"removed"`
}

// JobView is the externally visible shape of a job record.
type JobView struct {
	JobID        string          `json:"job_id"`
	State        string          `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	NotBefore    *time.Time      `json:"not_before,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// NewJobView converts a queue record to its API shape.
func NewJobView(job *queue.Job) JobView {
	view := JobView{
		JobID:        job.ID,
		State:        string(job.State),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		Payload:      job.Payload,
		Result:       job.Result,
	}
	if !job.NotBefore.IsZero() {
		t := job.NotBefore
		view.NotBefore = &t
	}
	return view
}
