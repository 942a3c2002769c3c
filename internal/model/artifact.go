package model

import (
	"path/filepath"
	"time"
)

// FlagKind is a defect category attached to an artifact by the quality checks
type FlagKind string

const (
	FlagVocalBleed    FlagKind = "vocal_bleed"
	FlagClipping      FlagKind = "clipping"
	FlagSilentOutput  FlagKind = "silent_output"
	FlagEngineFailure FlagKind = "engine_failure"
)

// Flag pairs a defect category with its measured severity in [0,1]
type Flag struct {
	Kind     FlagKind `json:"kind"`
	Severity float64  `json:"severity"`
}

// Stems holds the file paths of one separation's outputs
type Stems struct {
	VocalPath        string `json:"vocalPath"`
	InstrumentalPath string `json:"instrumentalPath"`
}

// OutputDir returns the per-job directory holding both stems. Engine
// failures record placeholder paths here even when no files were written,
// so the repair loop knows where a retry should land.
func (s Stems) OutputDir() string { return filepath.Dir(s.VocalPath) }

// EnhancementRecord is one append-only log entry per repair attempt
type EnhancementRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Transform    string    `json:"transform"`
	PreSeverity  float64   `json:"preSeverity"`
	PostSeverity float64   `json:"postSeverity"`
	Improved     bool      `json:"improved"`
}

// Artifact is the output of one completed job. It is owned by the store;
// every mutation goes through the store's versioned update so concurrent
// writers never interleave.
type Artifact struct {
	JobID             string              `json:"jobId"`
	Stems             Stems               `json:"stems"`
	Flags             []Flag              `json:"flags"`
	Enhancements      []EnhancementRecord `json:"enhancements"`
	AttemptCount      int                 `json:"attemptCount"`
	Unrecoverable     bool                `json:"unrecoverable"`
	UnrecoverableAt   *time.Time          `json:"unrecoverableAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	LastScoredAt      *time.Time          `json:"lastScoredAt,omitempty"`
	RetentionDeadline time.Time           `json:"retentionDeadline"`

	// Version is the optimistic-concurrency counter; bumped by the store
	// on every successful write.
	Version int `json:"version"`
}

// HasFlag reports whether the artifact currently carries the given kind.
func (a *Artifact) HasFlag(kind FlagKind) bool {
	for _, f := range a.Flags {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// HighestFlag returns the flag with the greatest severity, or false when the
// artifact is clean.
func (a *Artifact) HighestFlag() (Flag, bool) {
	if len(a.Flags) == 0 {
		return Flag{}, false
	}
	best := a.Flags[0]
	for _, f := range a.Flags[1:] {
		if f.Severity > best.Severity {
			best = f
		}
	}
	return best, true
}

// AggregateSeverity is the sum of all flag severities; the enhancement loop
// requires this to strictly decrease before replacing stems.
func (a *Artifact) AggregateSeverity() float64 {
	var total float64
	for _, f := range a.Flags {
		total += f.Severity
	}
	return total
}
