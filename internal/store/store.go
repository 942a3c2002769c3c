package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/model"
)

const (
	// casRetries bounds how often a versioned update is retried after
	// losing a WATCH race before ErrConflict surfaces to the caller.
	casRetries = 3

	// pageSize is how many index entries the artifact iterator hydrates
	// per round trip.
	pageSize = 100
)

// Store owns all Job and Artifact records. Every component mutates shared
// state only through it; artifact writes are serialized per key with an
// optimistic version check so concurrent callers never interleave partial
// writes.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func jobKey(id string) string      { return "job:" + id }
func artifactKey(id string) string { return "artifact:" + id }
func feedbackKey(id string) string { return "feedback:" + id }

const artifactIndexKey = "artifacts:index"

// Jobs

// SaveJob persists a job record. Job history is kept for audit independent
// of artifact lifetime, so no TTL is set.
func (s *Store) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimJob transitions a pending job to processing on behalf of the worker.
// The transition happens under WATCH so a cancel racing the claim can never
// be overwritten: a canceled job returns ErrCanceled and a job that already
// ran returns ErrAlreadyProcessed.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*model.Job, error) {
	var claimed *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(jobID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		switch job.Status {
		case model.JobStatusCanceled:
			return ErrCanceled
		case model.JobStatusCompleted, model.JobStatusProcessing:
			return ErrAlreadyProcessed
		}
		// pending claims normally; failed claims again on queue retry

		now := time.Now()
		job.Status = model.JobStatusProcessing
		job.StartedAt = &now

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = &job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txf, jobKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
	return nil, ErrConflict
}

// CancelJob transitions a pending job to canceled. Jobs that the worker
// already picked up, or that reached a terminal status, return
// ErrAlreadyProcessed; the upload they consumed is the worker's to clean.
func (s *Store) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	var canceled *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(jobID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		if job.Status != model.JobStatusPending {
			return ErrAlreadyProcessed
		}

		now := time.Now()
		job.Status = model.JobStatusCanceled
		job.CompletedAt = &now

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		canceled = &job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txf, jobKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return canceled, nil
	}
	return nil, ErrConflict
}

// FinishJob moves a processing job to its terminal status and stamps
// CompletedAt. The error message is recorded for failed jobs.
func (s *Store) FinishJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string) (*model.Job, error) {
	var finished *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(jobID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		now := time.Now()
		job.Status = status
		job.Error = nil
		if errMsg != "" {
			job.Error = &errMsg
		}
		job.CompletedAt = &now

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		finished = &job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txf, jobKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return finished, nil
	}
	return nil, ErrConflict
}

// Artifacts

// SaveArtifact persists a freshly separated artifact and adds it to the
// creation-time index. Exactly one artifact exists per job; the job ID is
// the artifact key.
func (s *Store) SaveArtifact(ctx context.Context, artifact *model.Artifact) error {
	artifact.Version = 1
	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, artifactKey(artifact.JobID), data, 0)
		pipe.ZAdd(ctx, artifactIndexKey, redis.Z{
			Score:  float64(artifact.CreatedAt.UnixNano()),
			Member: artifact.JobID,
		})
		return nil
	})
	return err
}

func (s *Store) GetArtifact(ctx context.Context, jobID string) (*model.Artifact, error) {
	data, err := s.rdb.Get(ctx, artifactKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("artifact %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}

	var artifact model.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// UpdateArtifact re-reads the artifact, applies mutate, and writes it back
// with a version bump under WATCH. A concurrent writer invalidates the
// attempt and the mutation is retried against the fresh record; after
// casRetries losses the caller gets ErrConflict. mutate must be free of
// side effects since it can run more than once.
func (s *Store) UpdateArtifact(ctx context.Context, jobID string, mutate func(*model.Artifact) error) (*model.Artifact, error) {
	var updated *model.Artifact

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, artifactKey(jobID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("artifact %s: %w", jobID, ErrNotFound)
			}
			return err
		}

		var artifact model.Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return err
		}

		if err := mutate(&artifact); err != nil {
			return err
		}
		artifact.Version++

		out, err := json.Marshal(&artifact)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, artifactKey(jobID), out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &artifact
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txf, artifactKey(jobID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

// UpdateFlags replaces the artifact's whole flag set with the outcome of a
// scoring pass. Flags are recomputed, never patched, so a transform cannot
// leave stale flags behind.
func (s *Store) UpdateFlags(ctx context.Context, jobID string, flags []model.Flag, scoredAt time.Time) (*model.Artifact, error) {
	return s.UpdateArtifact(ctx, jobID, func(a *model.Artifact) error {
		a.Flags = flags
		a.LastScoredAt = &scoredAt
		return nil
	})
}

// DeleteArtifact removes the artifact record, its index entry, and any
// feedback. The owning job record is deliberately left in place.
func (s *Store) DeleteArtifact(ctx context.Context, jobID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, artifactKey(jobID))
		pipe.ZRem(ctx, artifactIndexKey, jobID)
		pipe.Del(ctx, feedbackKey(jobID))
		return nil
	})
	return err
}

// Feedback

// AppendFeedback stores one feedback entry and returns the running
// negative and positive counts for the artifact.
func (s *Store) AppendFeedback(ctx context.Context, entry *model.FeedbackEntry) (negative, positive int, err error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, 0, err
	}
	if err := s.rdb.RPush(ctx, feedbackKey(entry.JobID), data).Err(); err != nil {
		return 0, 0, err
	}
	return s.CountFeedback(ctx, entry.JobID)
}

// CountFeedback tallies stored ratings for an artifact.
func (s *Store) CountFeedback(ctx context.Context, jobID string) (negative, positive int, err error) {
	raw, err := s.rdb.LRange(ctx, feedbackKey(jobID), 0, -1).Result()
	if err != nil {
		return 0, 0, err
	}
	for _, item := range raw {
		var entry model.FeedbackEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Rating == model.RatingNegative {
			negative++
		} else {
			positive++
		}
	}
	return negative, positive, nil
}
