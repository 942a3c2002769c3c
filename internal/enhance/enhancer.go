// Package enhance repairs flagged artifacts. Each pass applies the single
// corrective transform matching the worst flag, re-scores the candidate
// stems, and only commits them when aggregate severity strictly improved.
// Every pass consumes one attempt whether or not it helped, so an artifact
// that never converges reaches the cap and goes unrecoverable instead of
// looping forever.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stemsplit/api/internal/audio"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/engine"
	"github.com/stemsplit/api/internal/flagger"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/store"
)

// bleedSuppression is how much of the vocal band the bleed repair removes
// from the instrumental stem.
const bleedSuppression = 0.7

// Enhancer consumes flagged artifacts and attempts bounded repair.
type Enhancer struct {
	store       *store.Store
	flagger     *flagger.Flagger
	separator   engine.Separator
	quality     config.QualityConfig
	maxAttempts int
}

func New(st *store.Store, fl *flagger.Flagger, sep engine.Separator, quality config.QualityConfig, maxAttempts int) *Enhancer {
	return &Enhancer{
		store:       st,
		flagger:     fl,
		separator:   sep,
		quality:     quality,
		maxAttempts: maxAttempts,
	}
}

// Enhance runs one repair attempt on the artifact. Clean, unrecoverable,
// and capped artifacts are returned untouched with no attempt recorded.
func (e *Enhancer) Enhance(ctx context.Context, a *model.Artifact) (*model.Artifact, error) {
	if a.Unrecoverable || len(a.Flags) == 0 {
		return a, nil
	}
	if a.AttemptCount >= e.maxAttempts {
		return e.markUnrecoverable(ctx, a.JobID)
	}

	top, _ := a.HighestFlag()
	if top.Kind == model.FlagEngineFailure {
		return e.retrySeparation(ctx, a)
	}
	return e.transformStems(ctx, a, top)
}

// transformStems applies the DSP repair for the worst flag against
// in-memory copies, re-scores them, and commits only on strict improvement.
func (e *Enhancer) transformStems(ctx context.Context, a *model.Artifact, top model.Flag) (*model.Artifact, error) {
	vocal, err := audio.ReadWAV(a.Stems.VocalPath)
	if err != nil {
		return nil, fmt.Errorf("read vocal stem: %w", err)
	}
	instr, err := audio.ReadWAV(a.Stems.InstrumentalPath)
	if err != nil {
		return nil, fmt.Errorf("read instrumental stem: %w", err)
	}

	candVocal := vocal.Clone()
	candInstr := instr.Clone()
	transform := e.apply(top.Kind, candVocal, candInstr)

	preAgg := a.AggregateSeverity()
	newFlags := e.flagger.ScoreBuffers(candVocal, candInstr, a.Flags)
	postAgg := aggregate(newFlags)

	record := model.EnhancementRecord{
		Timestamp:    time.Now(),
		Transform:    transform,
		PreSeverity:  preAgg,
		PostSeverity: postAgg,
		Improved:     postAgg < preAgg,
	}

	if !record.Improved {
		// The candidate stems are discarded, so the stored flags must
		// keep describing the stems still on disk.
		return e.commit(ctx, a.JobID, a.Stems, record, a.Flags)
	}

	if err := writeStem(a.Stems.VocalPath, candVocal); err != nil {
		return nil, err
	}
	if err := writeStem(a.Stems.InstrumentalPath, candInstr); err != nil {
		return nil, err
	}
	return e.commit(ctx, a.JobID, a.Stems, record, newFlags)
}

// retrySeparation re-runs the external engine from the archived input, the
// repair path for engine_failure artifacts.
func (e *Enhancer) retrySeparation(ctx context.Context, a *model.Artifact) (*model.Artifact, error) {
	job, err := e.store.GetJob(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	if job.InputPath == "" {
		return nil, fmt.Errorf("job %s has no archived input to retry", a.JobID)
	}

	preAgg := a.AggregateSeverity()
	record := model.EnhancementRecord{
		Timestamp:   time.Now(),
		Transform:   "re_separation",
		PreSeverity: preAgg,
	}

	outputDir := a.Stems.OutputDir()
	stems, sepErr := e.separator.Separate(ctx, job.InputPath, outputDir)
	if sepErr != nil {
		if !errors.Is(sepErr, engine.ErrEngineFailure) {
			return nil, sepErr
		}
		log.Printf("Re-separation for %s failed again: %v", a.JobID, sepErr)
		record.PostSeverity = preAgg
		return e.commit(ctx, a.JobID, a.Stems, record, a.Flags)
	}

	vocal, err := audio.ReadWAV(stems.VocalPath)
	if err != nil {
		return nil, err
	}
	instr, err := audio.ReadWAV(stems.InstrumentalPath)
	if err != nil {
		return nil, err
	}

	newFlags := e.flagger.ScoreBuffers(vocal, instr, nil)
	record.PostSeverity = aggregate(newFlags)
	record.Improved = record.PostSeverity < preAgg

	return e.commit(ctx, a.JobID, stems, record, newFlags)
}

// apply mutates the candidate buffers in place and names the transform.
func (e *Enhancer) apply(kind model.FlagKind, vocal, instr *audio.Buffer) string {
	switch kind {
	case model.FlagVocalBleed:
		instr.SuppressBand(e.quality.BleedBandLowHz, e.quality.BleedBandHighHz, bleedSuppression)
		instr.PeakNormalize(e.quality.PeakCeiling)
		return "band_suppression"
	case model.FlagClipping:
		vocal.Limit(e.quality.PeakCeiling)
		instr.Limit(e.quality.PeakCeiling)
		return "peak_limiting"
	case model.FlagSilentOutput:
		vocal.LoudnessNormalize(e.quality.LoudnessTargetDB, e.quality.PeakCeiling)
		instr.LoudnessNormalize(e.quality.LoudnessTargetDB, e.quality.PeakCeiling)
		return "loudness_normalization"
	default:
		return "noop"
	}
}

// commit records the attempt outcome in one atomic artifact update and
// flips the artifact to unrecoverable when the cap is reached with flags
// still present.
func (e *Enhancer) commit(ctx context.Context, jobID string, stems model.Stems, record model.EnhancementRecord, flags []model.Flag) (*model.Artifact, error) {
	now := time.Now()
	return e.store.UpdateArtifact(ctx, jobID, func(a *model.Artifact) error {
		a.Stems = stems
		a.Enhancements = append(a.Enhancements, record)
		a.AttemptCount++
		a.Flags = flags
		a.LastScoredAt = &now
		if a.AttemptCount >= e.maxAttempts && len(a.Flags) > 0 {
			a.Unrecoverable = true
			a.UnrecoverableAt = &now
		}
		return nil
	})
}

func (e *Enhancer) markUnrecoverable(ctx context.Context, jobID string) (*model.Artifact, error) {
	now := time.Now()
	return e.store.UpdateArtifact(ctx, jobID, func(a *model.Artifact) error {
		if !a.Unrecoverable {
			a.Unrecoverable = true
			a.UnrecoverableAt = &now
		}
		return nil
	})
}

func aggregate(flags []model.Flag) float64 {
	var total float64
	for _, f := range flags {
		total += f.Severity
	}
	return total
}

// writeStem replaces a stem file atomically so a crashed write never leaves
// a truncated stem behind.
func writeStem(path string, buf *audio.Buffer) error {
	tmp := path + ".tmp"
	if err := audio.WriteWAV(tmp, buf); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
