package sweeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.New(rdb)
}

type seedOpts struct {
	jobStatus     model.JobStatus
	noJob         bool
	retention     time.Duration // relative to now
	unrecoverable bool
	unrecovAge    time.Duration // how long ago it went unrecoverable
}

// seed writes a job, an on-disk stem pair, and an artifact, returning the
// artifact and the stem directory.
func seed(t *testing.T, st *store.Store, jobID string, opts seedOpts) (string, string) {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	stemDir := filepath.Join(dir, jobID)
	require.NoError(t, os.MkdirAll(stemDir, 0o755))

	vocal := filepath.Join(stemDir, "vocals.wav")
	instr := filepath.Join(stemDir, "instrumental.wav")
	require.NoError(t, os.WriteFile(vocal, []byte("wav"), 0o644))
	require.NoError(t, os.WriteFile(instr, []byte("wav"), 0o644))

	inputPath := filepath.Join(dir, "input_"+jobID+".mp3")
	require.NoError(t, os.WriteFile(inputPath, []byte("mp3"), 0o644))

	if !opts.noJob {
		status := opts.jobStatus
		if status == "" {
			status = model.JobStatusCompleted
		}
		require.NoError(t, st.SaveJob(ctx, &model.Job{
			ID:        jobID,
			Filename:  "song.mp3",
			InputPath: inputPath,
			Status:    status,
			CreatedAt: time.Now(),
		}))
	}

	artifact := &model.Artifact{
		JobID:             jobID,
		Stems:             model.Stems{VocalPath: vocal, InstrumentalPath: instr},
		CreatedAt:         time.Now(),
		RetentionDeadline: time.Now().Add(opts.retention),
	}
	if opts.unrecoverable {
		at := time.Now().Add(-opts.unrecovAge)
		artifact.Unrecoverable = true
		artifact.UnrecoverableAt = &at
	}
	require.NoError(t, st.SaveArtifact(ctx, artifact))

	return stemDir, inputPath
}

func TestSweepEvictsExpiredArtifacts(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	expiredDir, expiredInput := seed(t, st, "expired", seedOpts{retention: -time.Hour})
	freshDir, _ := seed(t, st, "fresh", seedOpts{retention: time.Hour})

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.NoDirExists(t, expiredDir)
	assert.NoFileExists(t, expiredInput)
	assert.DirExists(t, freshDir)

	_, err = st.GetArtifact(ctx, "expired")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetArtifact(ctx, "fresh")
	assert.NoError(t, err)

	// Job history survives the eviction.
	_, err = st.GetJob(ctx, "expired")
	assert.NoError(t, err)
}

func TestSweepUnrecoverableGrace(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	seed(t, st, "in-grace", seedOpts{retention: time.Hour, unrecoverable: true, unrecovAge: time.Hour})
	seed(t, st, "past-grace", seedOpts{retention: time.Hour, unrecoverable: true, unrecovAge: 48 * time.Hour})

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = st.GetArtifact(ctx, "in-grace")
	assert.NoError(t, err, "unrecoverable artifacts stay through the grace period")
	_, err = st.GetArtifact(ctx, "past-grace")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepEvictsFailedAndOrphaned(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	seed(t, st, "failed", seedOpts{retention: time.Hour, jobStatus: model.JobStatusFailed})
	seed(t, st, "orphan", seedOpts{retention: time.Hour, noJob: true})
	seed(t, st, "healthy", seedOpts{retention: time.Hour})

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = st.GetArtifact(ctx, "healthy")
	assert.NoError(t, err)
}

func TestSweepIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	seed(t, st, "expired", seedOpts{retention: -time.Hour})

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "a second sweep finds nothing to do")
}

func TestSweepEvictsBacklogLargerThanOnePage(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	// Deep expired backlog, wider than one iterator page. The whole thing
	// must go in a single sweep even though each eviction removes an index
	// entry under the running iteration.
	const n = 130
	base := time.Now().Add(-n * time.Second)
	for i := 0; i < n; i++ {
		jobID := fmt.Sprintf("expired-%04d", i)
		require.NoError(t, st.SaveJob(ctx, &model.Job{
			ID:        jobID,
			Filename:  "song.mp3",
			Status:    model.JobStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
		require.NoError(t, st.SaveArtifact(ctx, &model.Artifact{
			JobID:             jobID,
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
			RetentionDeadline: time.Now().Add(-time.Hour),
		}))
	}

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, deleted, "one sweep clears the full backlog")

	deleted, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestSweepSurvivesMissingFiles(t *testing.T) {
	st := newTestStore(t)
	sw := New(st, 24*time.Hour)
	ctx := context.Background()

	stemDir, inputPath := seed(t, st, "gone", seedOpts{retention: -time.Hour})
	require.NoError(t, os.RemoveAll(stemDir))
	require.NoError(t, os.Remove(inputPath))

	deleted, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "missing files do not block record eviction")
}
