package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRMSDB(t *testing.T) {
	// Sine RMS is amp/sqrt(2); at amp 0.5 that is about -9.03 dBFS.
	b := sine(440, 0.5, 1.0, 44100)
	assert.InDelta(t, 20*math.Log10(0.5/math.Sqrt2), b.RMSDB(), 0.1)

	silence := &Buffer{SampleRate: 44100, Data: [][]float64{make([]float64, 44100)}}
	assert.Equal(t, SilenceFloorDB, silence.RMSDB())
}

func TestPeak(t *testing.T) {
	b := sine(440, 0.5, 1.0, 44100)
	assert.InDelta(t, 0.5, b.Peak(), 0.01)
}

func TestClipFraction(t *testing.T) {
	clipped := square(1.0, 0.1, 8000)
	assert.Equal(t, 1.0, clipped.ClipFraction(0.999))

	clean := sine(440, 0.5, 0.1, 8000)
	assert.Equal(t, 0.0, clean.ClipFraction(0.999))
}

func TestBandRatio(t *testing.T) {
	inBand := sine(1000, 0.5, 0.5, 44100)
	outOfBand := sine(60, 0.5, 0.5, 44100)

	inRatio := inBand.BandRatio(200, 4000)
	outRatio := outOfBand.BandRatio(200, 4000)

	assert.Greater(t, inRatio, 0.5, "tone inside the band keeps most energy")
	assert.Less(t, outRatio, 0.3, "tone below the band is mostly filtered out")
	assert.Greater(t, inRatio, outRatio)
}

func TestHighPassAttenuatesLows(t *testing.T) {
	low := sine(60, 0.5, 0.5, 44100)
	before := low.Energy()
	low.HighPass(1000)
	assert.Less(t, low.Energy(), before/2)
}

func TestLowPassAttenuatesHighs(t *testing.T) {
	high := sine(10000, 0.5, 0.5, 44100)
	before := high.Energy()
	high.LowPass(500)
	assert.Less(t, high.Energy(), before/2)
}

func TestSuppressBand(t *testing.T) {
	b := sine(1000, 0.5, 0.5, 44100)
	before := b.BandRatio(200, 4000)
	b.SuppressBand(200, 4000, 0.7)
	assert.Less(t, b.BandRatio(200, 4000), before)
}

func TestPeakNormalize(t *testing.T) {
	b := sine(440, 0.5, 0.2, 44100)
	b.PeakNormalize(0.97)
	assert.InDelta(t, 0.97, b.Peak(), 1e-9)

	// All-zero input stays untouched instead of dividing by zero.
	silence := &Buffer{SampleRate: 8000, Data: [][]float64{make([]float64, 100)}}
	silence.PeakNormalize(0.97)
	assert.Equal(t, 0.0, silence.Peak())
}

func TestLoudnessNormalize(t *testing.T) {
	quiet := sine(440, 0.01, 1.0, 44100)
	quiet.LoudnessNormalize(-20, 0.97)
	assert.InDelta(t, -20.0, quiet.RMSDB(), 0.5)
}

func TestLoudnessNormalizeRespectsCeiling(t *testing.T) {
	// Normalizing toward a hot target must not push the peak past the
	// ceiling.
	b := sine(440, 0.1, 1.0, 44100)
	b.LoudnessNormalize(-1, 0.97)
	assert.LessOrEqual(t, b.Peak(), 0.97+1e-9)
}

func TestLimit(t *testing.T) {
	clipped := square(1.0, 0.1, 8000)
	clipped.Limit(0.97)

	assert.Less(t, clipped.Peak(), 0.999, "limited peaks drop under the clip ceiling")
	assert.Equal(t, 0.0, clipped.ClipFraction(0.999))

	// Samples under the threshold pass through unchanged.
	quiet := sine(440, 0.5, 0.1, 8000)
	want := quiet.Clone()
	quiet.Limit(0.97)
	assert.Equal(t, want.Data[0], quiet.Data[0])

	// Degenerate thresholds are no-ops.
	hot := square(1.0, 0.01, 8000)
	hot.Limit(1.0)
	assert.Equal(t, 1.0, hot.Peak())
}
