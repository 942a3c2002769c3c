package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

const TaskTypeSeparate = "separate:process"

// ErrNotCompleted is returned when a result is requested before the job
// reached a terminal state.
var ErrNotCompleted = errors.New("job not completed")

// ErrSeparationFailed is returned when the job finished but produced no
// usable stems.
var ErrSeparationFailed = errors.New("separation failed")

// SeparationService handles separation job management
type SeparationService struct {
	store       *store.Store
	asynqClient *asynq.Client
	storage     config.StorageConfig
	publicURL   string
}

func NewSeparationService(st *store.Store, asynqClient *asynq.Client, storage config.StorageConfig, publicURL string) *SeparationService {
	return &SeparationService{
		store:       st,
		asynqClient: asynqClient,
		storage:     storage,
		publicURL:   publicURL,
	}
}

// Start archives the upload and queues a new separation job
func (s *SeparationService) Start(ctx context.Context, filename string, file io.Reader) (*model.SeparateStartResponse, error) {
	jobID := uuid.New().String()
	now := time.Now()

	inputPath, err := s.archiveUpload(jobID, filename, file)
	if err != nil {
		return nil, fmt.Errorf("failed to archive upload: %w", err)
	}

	job := &model.Job{
		ID:        jobID,
		Filename:  filename,
		InputPath: inputPath,
		Status:    model.JobStatusPending,
		CreatedAt: now,
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		os.Remove(inputPath)
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	payload, err := json.Marshal(&model.SeparateJobPayload{
		JobID:     jobID,
		InputPath: inputPath,
	})
	if err != nil {
		s.abortStart(ctx, jobID, inputPath, err)
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeSeparate, payload)
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("separate"),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		s.abortStart(ctx, jobID, inputPath, err)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.SeparateStartResponse{
		JobID:     jobID,
		Status:    model.JobStatusPending,
		CreatedAt: now,
	}, nil
}

// abortStart fails a job whose task never reached the queue. Nothing will
// ever claim it, so the archived input goes too.
func (s *SeparationService) abortStart(ctx context.Context, jobID, inputPath string, cause error) {
	if _, err := s.store.FinishJob(ctx, jobID, model.JobStatusFailed, cause.Error()); err != nil {
		log.Printf("Could not mark job %s failed after enqueue error: %v", jobID, err)
	}
	if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
		log.Printf("Could not remove input %s: %v", inputPath, err)
	}
}

// archiveUpload copies the request body into the uploads directory. The
// original extension is kept so the engine can probe the right container.
func (s *SeparationService) archiveUpload(jobID, filename string, file io.Reader) (string, error) {
	dir := s.storage.UploadsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(dir, fmt.Sprintf("input_%s%s", jobID, ext))

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// GetStatus returns the current status of a separation job
func (s *SeparationService) GetStatus(ctx context.Context, jobID string) (*model.SeparateStatusResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.SeparateStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

// GetResult returns stem URLs for a completed separation. A completed job
// whose artifact still carries an engine-failure flag has no stems to
// serve; that surfaces as ErrSeparationFailed, same as a failed job.
func (s *SeparationService) GetResult(ctx context.Context, jobID string) (*model.SeparateResultResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusCompleted:
	case model.JobStatusFailed:
		return nil, ErrSeparationFailed
	default:
		return nil, ErrNotCompleted
	}

	artifact, err := s.store.GetArtifact(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if artifact.HasFlag(model.FlagEngineFailure) {
		return nil, ErrSeparationFailed
	}

	return &model.SeparateResultResponse{
		JobID:           jobID,
		VocalURL:        s.stemURL(artifact.Stems.VocalPath),
		InstrumentalURL: s.stemURL(artifact.Stems.InstrumentalPath),
		Flags:           artifact.Flags,
		Unrecoverable:   artifact.Unrecoverable,
		CreatedAt:       artifact.CreatedAt,
	}, nil
}

// stemURL maps a stem path under the outputs directory to its public URL.
func (s *SeparationService) stemURL(path string) string {
	rel, err := filepath.Rel(s.storage.OutputsDir(), path)
	if err != nil {
		return ""
	}
	return s.publicURL + "/stems/" + filepath.ToSlash(rel)
}

// Cancel cancels a pending job. Jobs already picked up by the worker run
// to completion.
func (s *SeparationService) Cancel(ctx context.Context, jobID string) (*model.SeparateCancelResponse, error) {
	job, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.SeparateCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  job.Status,
	}, nil
}
