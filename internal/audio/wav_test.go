package audio

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sine builds a mono test tone.
func sine(freqHz, amp float64, seconds float64, sampleRate int) *Buffer {
	n := int(seconds * float64(sampleRate))
	data := make([]float64, n)
	for i := range data {
		data[i] = amp * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
	}
	return &Buffer{SampleRate: sampleRate, Data: [][]float64{data}}
}

// square builds a full-scale alternating signal, every sample clipped.
func square(amp float64, seconds float64, sampleRate int) *Buffer {
	n := int(seconds * float64(sampleRate))
	data := make([]float64, n)
	for i := range data {
		if i%2 == 0 {
			data[i] = amp
		} else {
			data[i] = -amp
		}
	}
	return &Buffer{SampleRate: sampleRate, Data: [][]float64{data}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sine(440, 0.5, 0.25, 44100)

	var buf bytes.Buffer
	require.NoError(t, EncodeWAV(&buf, in))

	out, err := DecodeWAV(&buf)
	require.NoError(t, err)

	assert.Equal(t, in.SampleRate, out.SampleRate)
	assert.Equal(t, in.Channels(), out.Channels())
	require.Equal(t, in.Frames(), out.Frames())

	// 16-bit quantization bounds the roundtrip error.
	for i, v := range in.Data[0] {
		assert.InDelta(t, v, out.Data[0][i], 1.0/32767)
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	in := &Buffer{SampleRate: 8000, Data: [][]float64{{1.5, -1.5, 0}}}

	var buf bytes.Buffer
	require.NoError(t, EncodeWAV(&buf, in))

	out, err := DecodeWAV(&buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, out.Peak(), 1.0)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("definitely not a wav file")))
	assert.Error(t, err)
}

func TestReadWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	in := sine(1000, 0.3, 0.1, 22050)

	require.NoError(t, WriteWAV(path, in))

	out, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, in.Frames(), out.Frames())
	assert.InDelta(t, 0.3, out.Peak(), 0.01)
}

func TestBufferClone(t *testing.T) {
	orig := sine(440, 0.5, 0.05, 8000)
	clone := orig.Clone()

	clone.Data[0][0] = 0.9
	assert.NotEqual(t, orig.Data[0][0], clone.Data[0][0])
	assert.Equal(t, orig.Frames(), clone.Frames())
}

func TestDuration(t *testing.T) {
	b := sine(440, 0.5, 2.0, 44100)
	assert.InDelta(t, 2.0, b.Duration(), 0.001)

	empty := &Buffer{}
	assert.Equal(t, 0.0, empty.Duration())
}
