// Package engine wraps the external source-separation tool behind a small
// capability interface so the rest of the service never depends on how the
// stems are actually produced.
package engine

import (
	"context"
	"errors"

	"github.com/stemsplit/api/internal/model"
)

// ErrEngineFailure is returned whenever the external tool did not produce
// valid output: non-zero exit, timeout, unsuitable input, or missing stems.
// Callers record it as a flag on the artifact; it must never crash the
// service.
var ErrEngineFailure = errors.New("separation engine failure")

// Stem file names inside a job's output directory.
const (
	VocalStemName        = "vocals.wav"
	InstrumentalStemName = "instrumental.wav"
)

// Separator produces vocal and instrumental stems from one input file.
type Separator interface {
	// Separate writes both stems into outputDir and returns their paths.
	// Any failure mode of the underlying tool surfaces as an error
	// wrapping ErrEngineFailure.
	Separate(ctx context.Context, inputPath, outputDir string) (model.Stems, error)
}
