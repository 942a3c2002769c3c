// Package sweeper bounds storage growth: artifacts past their retention
// deadline, unrecoverable artifacts past the grace period, and artifacts of
// failed jobs are evicted together with their stem files and archived
// input. Job records are never deleted; job history outlives its artifacts
// for audit.
package sweeper

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

type Sweeper struct {
	store *store.Store
	grace time.Duration // extra life for unrecoverable artifacts
}

func New(st *store.Store, grace time.Duration) *Sweeper {
	return &Sweeper{store: st, grace: grace}
}

// Sweep deletes every artifact matching an eviction rule and returns the
// count. Running it again immediately deletes nothing: eviction conditions
// only move forward in time and deleted artifacts leave the index.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	deleted := 0

	it := s.store.ListArtifacts(store.ListFilter{})
	for it.Next(ctx) {
		artifact := it.Artifact()
		if !s.shouldEvict(ctx, artifact, now) {
			continue
		}
		if err := s.evict(ctx, artifact); err != nil {
			log.Printf("Sweep: failed to evict artifact %s: %v", artifact.JobID, err)
			continue
		}
		deleted++
	}
	if err := it.Err(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *Sweeper) shouldEvict(ctx context.Context, a *model.Artifact, now time.Time) bool {
	if now.After(a.RetentionDeadline) {
		return true
	}
	if a.Unrecoverable && a.UnrecoverableAt != nil && now.After(a.UnrecoverableAt.Add(s.grace)) {
		return true
	}

	job, err := s.store.GetJob(ctx, a.JobID)
	if err != nil {
		// Orphaned artifact: the job record is gone, nothing will
		// ever serve these stems.
		return errors.Is(err, store.ErrNotFound)
	}
	return job.Status == model.JobStatusFailed
}

// evict removes stem storage and the artifact record. The archived input
// goes with it; the job record stays.
func (s *Sweeper) evict(ctx context.Context, a *model.Artifact) error {
	if dir := a.Stems.OutputDir(); dir != "" && dir != "." && dir != "/" {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}

	if job, err := s.store.GetJob(ctx, a.JobID); err == nil && job.InputPath != "" {
		if err := os.Remove(job.InputPath); err != nil && !os.IsNotExist(err) {
			log.Printf("Sweep: could not remove input %s: %v", job.InputPath, err)
		}
	}

	return s.store.DeleteArtifact(ctx, a.JobID)
}
