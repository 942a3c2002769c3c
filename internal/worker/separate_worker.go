package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/engine"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/websocket"
)

// SeparateWorker processes separation jobs
type SeparateWorker struct {
	store     *store.Store
	separator engine.Separator
	storage   config.StorageConfig
	retention time.Duration
	hub       *websocket.Hub
}

func NewSeparateWorker(st *store.Store, sep engine.Separator, storage config.StorageConfig, retentionDays int, hub *websocket.Hub) *SeparateWorker {
	return &SeparateWorker{
		store:     st,
		separator: sep,
		storage:   storage,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		hub:       hub,
	}
}

// ProcessTask runs one separation. A cancel that won the race against the
// claim consumes the task without touching the engine; infra errors are
// returned so asynq retries them, while a deterministic engine failure is
// recorded as an artifact for the repair loop and not retried here.
func (w *SeparateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.SeparateJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	jobID := payload.JobID
	log.Printf("Starting separation job: %s", jobID)

	_, err := w.store.ClaimJob(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCanceled):
			log.Printf("Job %s canceled before start, dropping", jobID)
			w.removeInput(payload.InputPath)
			return nil
		case errors.Is(err, store.ErrAlreadyProcessed):
			log.Printf("Job %s already handled, dropping", jobID)
			return nil
		case errors.Is(err, store.ErrNotFound):
			log.Printf("Job %s record missing, dropping", jobID)
			return nil
		}
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}

	w.hub.BroadcastProgress(jobID, model.JobStatusProcessing, "Separating stems...")

	outputDir := filepath.Join(w.storage.OutputsDir(), jobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return w.failJob(ctx, jobID, fmt.Sprintf("failed to create output dir: %v", err), err)
	}

	stems, err := w.separator.Separate(ctx, payload.InputPath, outputDir)
	if err != nil {
		if errors.Is(err, engine.ErrEngineFailure) {
			return w.recordEngineFailure(ctx, jobID, outputDir, err)
		}
		return w.failJob(ctx, jobID, fmt.Sprintf("separation error: %v", err), err)
	}

	artifact := &model.Artifact{
		JobID:             jobID,
		Stems:             stems,
		CreatedAt:         time.Now(),
		RetentionDeadline: time.Now().Add(w.retention),
	}
	if err := w.store.SaveArtifact(ctx, artifact); err != nil {
		return w.failJob(ctx, jobID, fmt.Sprintf("failed to save artifact: %v", err), err)
	}

	if _, err := w.store.FinishJob(ctx, jobID, model.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}

	log.Printf("Separation job completed: %s", jobID)
	w.hub.BroadcastComplete(jobID, map[string]string{
		"vocal":        filepath.Base(stems.VocalPath),
		"instrumental": filepath.Base(stems.InstrumentalPath),
	})
	return nil
}

// recordEngineFailure stores a stemless artifact carrying an engine-failure
// flag. The job itself counts as completed so the repair loop can retry the
// separation later; the result endpoint hides the missing stems.
func (w *SeparateWorker) recordEngineFailure(ctx context.Context, jobID, outputDir string, cause error) error {
	log.Printf("Engine failed for job %s: %v", jobID, cause)

	artifact := &model.Artifact{
		JobID: jobID,
		Stems: model.Stems{
			VocalPath:        filepath.Join(outputDir, engine.VocalStemName),
			InstrumentalPath: filepath.Join(outputDir, engine.InstrumentalStemName),
		},
		Flags:             []model.Flag{{Kind: model.FlagEngineFailure, Severity: 1.0}},
		CreatedAt:         time.Now(),
		RetentionDeadline: time.Now().Add(w.retention),
	}
	if err := w.store.SaveArtifact(ctx, artifact); err != nil {
		return w.failJob(ctx, jobID, fmt.Sprintf("failed to save artifact: %v", err), err)
	}

	if _, err := w.store.FinishJob(ctx, jobID, model.JobStatusCompleted, cause.Error()); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}

	w.hub.BroadcastError(jobID, "ENGINE_FAILURE", cause.Error())
	return nil
}

// failJob marks the job failed and returns the original error so asynq can
// retry the task.
func (w *SeparateWorker) failJob(ctx context.Context, jobID, msg string, cause error) error {
	if _, err := w.store.FinishJob(ctx, jobID, model.JobStatusFailed, msg); err != nil {
		log.Printf("Failed to mark job %s failed: %v", jobID, err)
	}
	w.hub.BroadcastError(jobID, "JOB_FAILED", msg)
	return cause
}

func (w *SeparateWorker) removeInput(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove input %s: %v", path, err)
	}
}
