package model

import "time"

// SeparateStartResponse is returned when an upload is accepted
type SeparateStartResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// SeparateStatusResponse reports job progress
type SeparateStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// SeparateResultResponse is the result of a completed separation
type SeparateResultResponse struct {
	JobID           string    `json:"jobId"`
	VocalURL        string    `json:"vocalUrl"`
	InstrumentalURL string    `json:"instrumentalUrl"`
	Flags           []Flag    `json:"flags"`
	Unrecoverable   bool      `json:"unrecoverable"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SeparateCancelResponse is returned when canceling a pending job
type SeparateCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
