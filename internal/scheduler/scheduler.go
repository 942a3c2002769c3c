// Package scheduler drives the self-learning loop: on a fixed period it
// re-scores the completed-artifact backlog, hands flagged artifacts to the
// repair engine, and finishes with a housekeeping sweep. Exactly one run
// executes at a time; a tick that lands during a run is skipped, never
// queued, so repair attempts on the same artifact cannot contend.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stemsplit/api/internal/enhance"
	"github.com/stemsplit/api/internal/flagger"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/sweeper"
)

type Scheduler struct {
	store    *store.Store
	flagger  *flagger.Flagger
	enhancer *enhance.Enhancer
	sweeper  *sweeper.Sweeper
	interval time.Duration

	trigger chan struct{}

	mu      sync.Mutex
	running bool
}

func New(st *store.Store, fl *flagger.Flagger, en *enhance.Enhancer, sw *sweeper.Sweeper, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		flagger:  fl,
		enhancer: en,
		sweeper:  sw,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done, firing a pass every interval and whenever
// Trigger was called. A pass that errors is logged and the loop keeps
// going; the process stays alive indefinitely.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Self-learning loop started, interval=%s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Self-learning loop stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.trigger:
			s.RunOnce(ctx)
		}
		drainTick(ticker)
	}
}

// drainTick discards a tick that fired while a pass was running. Ticks are
// dropped, not deferred: the next pass waits a full interval again.
func drainTick(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}

// Trigger requests an immediate pass. Non-blocking; while a pass is
// already pending or running the request is dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Running reports whether a pass is currently executing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce executes a single pass unless one is already running, in which
// case it returns false immediately.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	scored, repaired := s.pass(ctx)

	swept, err := s.sweeper.Sweep(ctx)
	if err != nil {
		log.Printf("Loop: sweep error: %v", err)
	}

	log.Printf("Loop pass done in %s: scored=%d repaired=%d swept=%d",
		time.Since(start).Round(time.Millisecond), scored, repaired, swept)
	return true
}

// pass pages through completed, still-recoverable artifacts, re-scores
// each one, and attempts repair on those that come back flagged. One
// artifact's failure never aborts the rest of the pass. Artifacts whose
// score timestamp was cleared by feedback go first.
func (s *Scheduler) pass(ctx context.Context) (scored, repaired int) {
	seen := make(map[string]bool)
	for _, unscoredOnly := range []bool{true, false} {
		it := s.store.ListArtifacts(store.ListFilter{
			JobStatus:            model.JobStatusCompleted,
			ExcludeUnrecoverable: true,
		})

		for it.Next(ctx) {
			artifact := it.Artifact()
			if seen[artifact.JobID] || (artifact.LastScoredAt == nil) != unscoredOnly {
				continue
			}
			seen[artifact.JobID] = true
			if err := s.examine(ctx, artifact, &repaired); err != nil {
				log.Printf("Loop: artifact %s: %v", artifact.JobID, err)
				continue
			}
			scored++
		}
		if err := it.Err(); err != nil {
			log.Printf("Loop: listing error: %v", err)
		}
	}
	return scored, repaired
}

func (s *Scheduler) examine(ctx context.Context, artifact *model.Artifact, repaired *int) error {
	flags := s.flagger.Score(artifact)
	updated, err := s.store.UpdateFlags(ctx, artifact.JobID, flags, time.Now())
	if err != nil {
		return err
	}

	if len(updated.Flags) == 0 {
		return nil
	}

	after, err := s.enhancer.Enhance(ctx, updated)
	if err != nil {
		return err
	}
	if after.AttemptCount > updated.AttemptCount {
		*repaired++
	}
	return nil
}
