package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/model"
)

// ListFilter narrows which artifacts an iterator yields.
type ListFilter struct {
	// JobStatus, when set, requires the owning job to have this status.
	JobStatus model.JobStatus

	// Flagged, when set, requires flag presence (true) or absence (false).
	Flagged *bool

	// ExcludeUnrecoverable skips artifacts in the terminal quality state.
	ExcludeUnrecoverable bool

	// CreatedBefore, when set, limits results to artifacts older than the
	// given time.
	CreatedBefore time.Time
}

// ListArtifacts returns an iterator over the artifact backlog in stable
// creation-time order. Pages are hydrated lazily so an unbounded backlog is
// never loaded into memory at once.
func (s *Store) ListArtifacts(filter ListFilter) *ArtifactIterator {
	return &ArtifactIterator{store: s, filter: filter}
}

// ArtifactIterator pages through the creation-time index. Usage follows the
// bufio.Scanner shape: Next advances, Artifact reads, Err reports the first
// failure after Next returns false.
type ArtifactIterator struct {
	store  *Store
	filter ListFilter

	// min is the exclusive lower score bound for the next page. Paging by
	// cursor rather than offset keeps the window stable when callers
	// delete index entries mid-iteration.
	min     string
	page    []*model.Artifact
	pagePos int
	done    bool

	current *model.Artifact
	err     error
}

// Next advances to the next matching artifact.
func (it *ArtifactIterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pagePos >= len(it.page) {
			if it.done {
				return false
			}
			if !it.fetchPage(ctx) {
				return false
			}
		}
		candidate := it.page[it.pagePos]
		it.pagePos++
		ok, err := it.matches(ctx, candidate)
		if err != nil {
			it.err = err
			return false
		}
		if ok {
			it.current = candidate
			return true
		}
	}
}

// Artifact returns the artifact produced by the last successful Next.
func (it *ArtifactIterator) Artifact() *model.Artifact {
	return it.current
}

// Err returns the first error encountered while iterating.
func (it *ArtifactIterator) Err() error {
	return it.err
}

func (it *ArtifactIterator) fetchPage(ctx context.Context) bool {
	max := "+inf"
	if !it.filter.CreatedBefore.IsZero() {
		// Exclusive bound on creation time.
		max = "(" + strconv.FormatInt(it.filter.CreatedBefore.UnixNano(), 10)
	}

	min := it.min
	if min == "" {
		min = "-inf"
	}
	members, err := it.store.rdb.ZRangeByScoreWithScores(ctx, artifactIndexKey, &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: pageSize,
	}).Result()
	if err != nil {
		it.err = err
		return false
	}

	if len(members) > 0 {
		last := members[len(members)-1].Score
		it.min = "(" + strconv.FormatFloat(last, 'f', -1, 64)
	}
	if len(members) < pageSize {
		it.done = true
	}
	if len(members) == 0 {
		return false
	}

	it.page = it.page[:0]
	it.pagePos = 0
	for _, member := range members {
		id, _ := member.Member.(string)
		artifact, err := it.store.GetArtifact(ctx, id)
		if err != nil {
			// Swept between index read and hydration.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			it.err = err
			return false
		}
		it.page = append(it.page, artifact)
	}
	if len(it.page) == 0 && !it.done {
		return it.fetchPage(ctx)
	}
	return len(it.page) > 0
}

func (it *ArtifactIterator) matches(ctx context.Context, a *model.Artifact) (bool, error) {
	if it.filter.ExcludeUnrecoverable && a.Unrecoverable {
		return false, nil
	}
	if it.filter.Flagged != nil && *it.filter.Flagged != (len(a.Flags) > 0) {
		return false, nil
	}
	if it.filter.JobStatus != "" {
		job, err := it.store.GetJob(ctx, a.JobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if job.Status != it.filter.JobStatus {
			return false, nil
		}
	}
	return true, nil
}
