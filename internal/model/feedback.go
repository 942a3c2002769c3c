package model

import "time"

// Feedback ratings
type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

// FeedbackRequest is a listener's verdict on a separation
type FeedbackRequest struct {
	JobID   string `json:"jobId" validate:"required,uuid"`
	Rating  Rating `json:"rating" validate:"required,oneof=positive negative"`
	Comment string `json:"comment" validate:"omitempty,max=1000"`
}

// FeedbackEntry is one stored feedback record for an artifact
type FeedbackEntry struct {
	JobID     string    `json:"jobId"`
	Rating    Rating    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackResponse reports whether the artifact is queued for re-scoring
type FeedbackResponse struct {
	JobID         string `json:"jobId"`
	NegativeCount int    `json:"negativeCount"`
	Rescoring     bool   `json:"rescoring"`
}
