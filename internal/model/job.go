package model

import "time"

// Job represents one user-submitted separation request
type Job struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	InputPath   string     `json:"inputPath"` // archived upload, kept for re-separation
	Status      JobStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the job can no longer change status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// SeparateJobPayload contains the data for a separation task
type SeparateJobPayload struct {
	JobID     string `json:"jobId"`
	InputPath string `json:"inputPath"`
}
