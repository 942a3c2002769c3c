// Package flagger inspects separated stems for defects and turns measured
// signal statistics into severity-scored quality flags.
package flagger

import (
	"github.com/stemsplit/api/internal/audio"
	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
)

// flagThreshold is the severity at which a measured defect becomes a flag.
// Severities below it are considered residual and do not flag the artifact.
const flagThreshold = 0.5

// silenceRampDB maps measured RMS to severity: severity reaches 1.0 this
// many dB below the silence threshold.
const silenceRampDB = 20.0

// Flagger runs the fixed battery of quality checks. Every check is a pure
// function of the stem content and the configured thresholds, so re-scoring
// identical stems always yields identical flags.
type Flagger struct {
	cfg config.QualityConfig
}

func New(cfg config.QualityConfig) *Flagger {
	return &Flagger{cfg: cfg}
}

// Score loads the artifact's stems from disk and runs the battery. The
// result is the artifact's complete new flag set; the caller replaces the
// previous set wholesale. Unreadable stems score as an engine failure, the
// same way a pre-existing engine_failure flag propagates.
func (f *Flagger) Score(a *model.Artifact) []model.Flag {
	if a.HasFlag(model.FlagEngineFailure) {
		return f.propagateEngineFailure(a.Flags)
	}

	vocal, err := audio.ReadWAV(a.Stems.VocalPath)
	if err != nil {
		return []model.Flag{{Kind: model.FlagEngineFailure, Severity: 1.0}}
	}
	instr, err := audio.ReadWAV(a.Stems.InstrumentalPath)
	if err != nil {
		return []model.Flag{{Kind: model.FlagEngineFailure, Severity: 1.0}}
	}

	return f.ScoreBuffers(vocal, instr, a.Flags)
}

// ScoreBuffers runs the battery against in-memory stems. The repair loop
// uses this to re-score candidate transforms before committing them.
func (f *Flagger) ScoreBuffers(vocal, instr *audio.Buffer, prior []model.Flag) []model.Flag {
	if hasEngine(prior) {
		return f.propagateEngineFailure(prior)
	}

	var flags []model.Flag

	if sev := f.bleedSeverity(instr); sev >= flagThreshold {
		flags = append(flags, model.Flag{Kind: model.FlagVocalBleed, Severity: sev})
	}
	if sev := f.clipSeverity(vocal, instr); sev >= flagThreshold {
		flags = append(flags, model.Flag{Kind: model.FlagClipping, Severity: sev})
	}
	if sev := f.silenceSeverity(vocal, instr); sev >= flagThreshold {
		flags = append(flags, model.Flag{Kind: model.FlagSilentOutput, Severity: sev})
	}

	return flags
}

// bleedSeverity measures how much energy of the instrumental stem sits in
// the vocal frequency band. A clean instrumental keeps most of its energy
// outside it.
func (f *Flagger) bleedSeverity(instr *audio.Buffer) float64 {
	if instr.Energy() == 0 {
		return 0 // silence is the silence check's business
	}
	ratio := instr.BandRatio(f.cfg.BleedBandLowHz, f.cfg.BleedBandHighHz)
	return clamp01(ratio / f.cfg.BleedRatioMax)
}

// clipSeverity scales the clipped-sample fraction of the worse stem.
func (f *Flagger) clipSeverity(vocal, instr *audio.Buffer) float64 {
	frac := vocal.ClipFraction(f.cfg.ClipCeiling)
	if fi := instr.ClipFraction(f.cfg.ClipCeiling); fi > frac {
		frac = fi
	}
	return clamp01(frac / f.cfg.ClipFractionMax)
}

// silenceSeverity flags output that is too short or too quiet to be a real
// separation. Severity ramps from 0 at the RMS threshold to 1 at
// silenceRampDB below it.
func (f *Flagger) silenceSeverity(vocal, instr *audio.Buffer) float64 {
	minDur := vocal.Duration()
	if d := instr.Duration(); d < minDur {
		minDur = d
	}
	if minDur < f.cfg.MinDurationSeconds {
		return 1.0
	}

	rms := vocal.RMSDB()
	if r := instr.RMSDB(); r < rms {
		rms = r
	}
	if rms >= f.cfg.SilenceRMSDB {
		return 0
	}
	return clamp01((f.cfg.SilenceRMSDB - rms) / silenceRampDB)
}

func (f *Flagger) propagateEngineFailure(prior []model.Flag) []model.Flag {
	for _, fl := range prior {
		if fl.Kind == model.FlagEngineFailure {
			return []model.Flag{fl}
		}
	}
	return nil
}

func hasEngine(flags []model.Flag) bool {
	for _, fl := range flags {
		if fl.Kind == model.FlagEngineFailure {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
