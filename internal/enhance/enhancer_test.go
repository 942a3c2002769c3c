package enhance

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsplit/api/internal/audio"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/engine"
	"github.com/stemsplit/api/internal/flagger"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

func testQuality() config.QualityConfig {
	return config.QualityConfig{
		BleedBandLowHz:     200,
		BleedBandHighHz:    4000,
		BleedRatioMax:      0.25,
		ClipCeiling:        0.999,
		ClipFractionMax:    0.01,
		SilenceRMSDB:       -50,
		MinDurationSeconds: 1.0,
		PeakCeiling:        0.97,
		LoudnessTargetDB:   -20,
		NegativeThreshold:  2,
	}
}

func newTestStore(t *testing.T) *store.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.New(rdb)
}

func tone(freqHz, amp, seconds float64) *audio.Buffer {
	sr := 44100
	n := int(seconds * float64(sr))
	data := make([]float64, n)
	for i := range data {
		data[i] = amp * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sr))
	}
	return &audio.Buffer{SampleRate: sr, Data: [][]float64{data}}
}

func clippedTone(seconds float64) *audio.Buffer {
	sr := 44100
	n := int(seconds * float64(sr))
	data := make([]float64, n)
	for i := range data {
		if i%2 == 0 {
			data[i] = 1.0
		} else {
			data[i] = -1.0
		}
	}
	return &audio.Buffer{SampleRate: sr, Data: [][]float64{data}}
}

// stubSeparator either writes clean stems or fails, standing in for the
// external engine.
type stubSeparator struct {
	fail  bool
	calls int
}

func (s *stubSeparator) Separate(_ context.Context, _, outputDir string) (model.Stems, error) {
	s.calls++
	if s.fail {
		return model.Stems{}, engine.ErrEngineFailure
	}
	stems := model.Stems{
		VocalPath:        filepath.Join(outputDir, engine.VocalStemName),
		InstrumentalPath: filepath.Join(outputDir, engine.InstrumentalStemName),
	}
	if err := audio.WriteWAV(stems.VocalPath, tone(300, 0.3, 2.0)); err != nil {
		return model.Stems{}, err
	}
	if err := audio.WriteWAV(stems.InstrumentalPath, tone(60, 0.5, 2.0)); err != nil {
		return model.Stems{}, err
	}
	return stems, nil
}

// writeArtifact stores an artifact whose stems live in a fresh temp dir.
func writeArtifact(t *testing.T, st *store.Store, jobID string, vocal, instr *audio.Buffer, flags []model.Flag) *model.Artifact {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	stems := model.Stems{
		VocalPath:        filepath.Join(dir, engine.VocalStemName),
		InstrumentalPath: filepath.Join(dir, engine.InstrumentalStemName),
	}
	if vocal != nil {
		require.NoError(t, audio.WriteWAV(stems.VocalPath, vocal))
	}
	if instr != nil {
		require.NoError(t, audio.WriteWAV(stems.InstrumentalPath, instr))
	}

	artifact := &model.Artifact{
		JobID:             jobID,
		Stems:             stems,
		Flags:             flags,
		CreatedAt:         time.Now(),
		RetentionDeadline: time.Now().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, st.SaveArtifact(ctx, artifact))

	saved, err := st.GetArtifact(ctx, jobID)
	require.NoError(t, err)
	return saved
}

func TestEnhanceClearsClippingFlag(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{}, testQuality(), 3)
	ctx := context.Background()

	artifact := writeArtifact(t, st, "clip-job", clippedTone(2.0), tone(60, 0.5, 2.0),
		[]model.Flag{{Kind: model.FlagClipping, Severity: 1.0}})

	after, err := e.Enhance(ctx, artifact)
	require.NoError(t, err)

	assert.Empty(t, after.Flags)
	assert.Equal(t, 1, after.AttemptCount)
	require.Len(t, after.Enhancements, 1)
	assert.Equal(t, "peak_limiting", after.Enhancements[0].Transform)
	assert.True(t, after.Enhancements[0].Improved)
	assert.False(t, after.Unrecoverable)

	// The stems on disk were replaced with the limited version.
	vocal, err := audio.ReadWAV(after.Stems.VocalPath)
	require.NoError(t, err)
	assert.Equal(t, 0.0, vocal.ClipFraction(0.999))
}

func TestEnhanceKeepsStemsWhenNotImproved(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{}, testQuality(), 3)
	ctx := context.Background()

	// A truly silent vocal cannot be fixed by loudness normalization:
	// there is no signal to lift, so the attempt must not help and the
	// stems must stay untouched. The seeded severity sits below what the
	// rejected candidate re-scores to, so a commit of the candidate's
	// flags would be visible.
	silent := &audio.Buffer{SampleRate: 44100, Data: [][]float64{make([]float64, 2 * 44100)}}
	instr := tone(60, 0.5, 2.0)
	artifact := writeArtifact(t, st, "silent-job", silent, instr,
		[]model.Flag{{Kind: model.FlagSilentOutput, Severity: 0.8}})

	before, err := audio.ReadWAV(artifact.Stems.VocalPath)
	require.NoError(t, err)

	after, err := e.Enhance(ctx, artifact)
	require.NoError(t, err)

	assert.Equal(t, 1, after.AttemptCount)
	require.Len(t, after.Enhancements, 1)
	assert.Equal(t, "loudness_normalization", after.Enhancements[0].Transform)
	assert.False(t, after.Enhancements[0].Improved)
	assert.True(t, after.HasFlag(model.FlagSilentOutput), "flag persists when repair cannot help")
	assert.Equal(t, []model.Flag{{Kind: model.FlagSilentOutput, Severity: 0.8}}, after.Flags,
		"rejected attempts keep the flags that describe the stems on disk")

	got, err := audio.ReadWAV(after.Stems.VocalPath)
	require.NoError(t, err)
	assert.Equal(t, before.Data, got.Data, "unimproved attempts leave stems untouched")
}

func TestEnhanceSkipsCleanArtifact(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{}, testQuality(), 3)

	artifact := writeArtifact(t, st, "clean-job", tone(300, 0.3, 2.0), tone(60, 0.5, 2.0), nil)

	after, err := e.Enhance(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, 0, after.AttemptCount)
	assert.Empty(t, after.Enhancements)
}

func TestEnhanceCapMarksUnrecoverable(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{}, testQuality(), 2)
	ctx := context.Background()

	artifact := writeArtifact(t, st, "capped-job", clippedTone(2.0), tone(60, 0.5, 2.0),
		[]model.Flag{{Kind: model.FlagClipping, Severity: 1.0}})

	_, err := st.UpdateArtifact(ctx, artifact.JobID, func(a *model.Artifact) error {
		a.AttemptCount = 2
		return nil
	})
	require.NoError(t, err)
	capped, err := st.GetArtifact(ctx, artifact.JobID)
	require.NoError(t, err)

	after, err := e.Enhance(ctx, capped)
	require.NoError(t, err)
	assert.True(t, after.Unrecoverable)
	require.NotNil(t, after.UnrecoverableAt)
	assert.Equal(t, 2, after.AttemptCount, "no further attempt is spent")
}

func TestEnhanceRetriesSeparationOnEngineFailure(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	sep := &stubSeparator{}
	e := New(st, fl, sep, testQuality(), 3)
	ctx := context.Background()

	input := filepath.Join(t.TempDir(), "input.mp3")
	job := &model.Job{
		ID:        "engine-fail-job",
		Filename:  "input.mp3",
		InputPath: input,
		Status:    model.JobStatusCompleted,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveJob(ctx, job))

	artifact := writeArtifact(t, st, job.ID, nil, nil,
		[]model.Flag{{Kind: model.FlagEngineFailure, Severity: 1.0}})

	after, err := e.Enhance(ctx, artifact)
	require.NoError(t, err)

	assert.Equal(t, 1, sep.calls)
	assert.Empty(t, after.Flags)
	assert.Equal(t, 1, after.AttemptCount)
	require.Len(t, after.Enhancements, 1)
	assert.Equal(t, "re_separation", after.Enhancements[0].Transform)
	assert.True(t, after.Enhancements[0].Improved)

	// The retried stems are real files now.
	_, err = audio.ReadWAV(after.Stems.VocalPath)
	assert.NoError(t, err)
}

func TestEnhanceEngineFailsAgain(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{fail: true}, testQuality(), 3)
	ctx := context.Background()

	input := filepath.Join(t.TempDir(), "input.mp3")
	job := &model.Job{
		ID:        "still-failing-job",
		InputPath: input,
		Status:    model.JobStatusCompleted,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveJob(ctx, job))

	artifact := writeArtifact(t, st, job.ID, nil, nil,
		[]model.Flag{{Kind: model.FlagEngineFailure, Severity: 1.0}})

	after, err := e.Enhance(ctx, artifact)
	require.NoError(t, err)

	assert.Equal(t, 1, after.AttemptCount)
	assert.True(t, after.HasFlag(model.FlagEngineFailure))
	require.Len(t, after.Enhancements, 1)
	assert.False(t, after.Enhancements[0].Improved)
}

func TestEnhanceUnreadableStemsSurfaceError(t *testing.T) {
	st := newTestStore(t)
	fl := flagger.New(testQuality())
	e := New(st, fl, &stubSeparator{}, testQuality(), 3)

	artifact := writeArtifact(t, st, "gone-job", nil, nil,
		[]model.Flag{{Kind: model.FlagClipping, Severity: 0.9}})

	_, err := e.Enhance(context.Background(), artifact)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, engine.ErrEngineFailure))
}
