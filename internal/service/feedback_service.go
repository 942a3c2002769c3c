package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

// FeedbackService records listener verdicts and decides when an artifact
// has drawn enough negative votes to be re-scored by the next loop pass.
type FeedbackService struct {
	store   *store.Store
	quality config.QualityConfig
}

func NewFeedbackService(st *store.Store, quality config.QualityConfig) *FeedbackService {
	return &FeedbackService{
		store:   st,
		quality: quality,
	}
}

// Submit stores one feedback entry. When negative votes reach the
// configured threshold and outnumber positives, the artifact's score
// timestamp is cleared so the loop treats it as never inspected.
func (s *FeedbackService) Submit(ctx context.Context, req *model.FeedbackRequest) (*model.FeedbackResponse, error) {
	if _, err := s.store.GetArtifact(ctx, req.JobID); err != nil {
		return nil, err
	}

	entry := &model.FeedbackEntry{
		JobID:     req.JobID,
		Rating:    req.Rating,
		Comment:   req.Comment,
		Timestamp: time.Now(),
	}

	negative, positive, err := s.store.AppendFeedback(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}

	rescore := negative >= s.quality.NegativeThreshold && negative > positive
	if rescore {
		_, err = s.store.UpdateArtifact(ctx, req.JobID, func(a *model.Artifact) error {
			a.LastScoredAt = nil
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to queue re-score: %w", err)
		}
	}

	return &model.FeedbackResponse{
		JobID:         req.JobID,
		NegativeCount: negative,
		Rescoring:     rescore,
	}, nil
}
