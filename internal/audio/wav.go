// Package audio provides the small signal toolbox behind the quality checks
// and corrective transforms: 16-bit PCM WAV framing plus deterministic
// level, filter, and normalization primitives. The separation engine itself
// stays an external tool; nothing here decodes compressed formats.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Buffer holds decoded PCM audio as per-channel float64 samples in [-1,1].
type Buffer struct {
	SampleRate int
	Data       [][]float64 // one slice per channel, equal lengths
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Clone returns a deep copy, used by transforms that must not touch the
// original until the re-score confirms an improvement.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{SampleRate: b.SampleRate, Data: make([][]float64, len(b.Data))}
	for i, ch := range b.Data {
		out.Data[i] = append([]float64(nil), ch...)
	}
	return out
}

// ReadWAV decodes a 16-bit PCM WAV file.
func ReadWAV(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes 16-bit PCM WAV data from r.
func DecodeWAV(r io.Reader) (*Buffer, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("wav: short header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wav: not a RIFF/WAVE stream")
	}

	var (
		channels   int
		sampleRate int
		bits       int
		haveFmt    bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("wav: no data chunk")
			}
			return nil, err
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, err
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			if format != 1 {
				return nil, fmt.Errorf("wav: unsupported format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			if bits != 16 {
				return nil, fmt.Errorf("wav: unsupported bit depth %d (want 16)", bits)
			}
			if channels < 1 || channels > 8 {
				return nil, fmt.Errorf("wav: implausible channel count %d", channels)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			raw := make([]byte, size)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, err
			}
			frames := int(size) / (2 * channels)
			buf := &Buffer{SampleRate: sampleRate, Data: make([][]float64, channels)}
			for c := range buf.Data {
				buf.Data[c] = make([]float64, frames)
			}
			for i := 0; i < frames; i++ {
				for c := 0; c < channels; c++ {
					off := (i*channels + c) * 2
					s := int16(binary.LittleEndian.Uint16(raw[off : off+2]))
					buf.Data[c][i] = float64(s) / 32768.0
				}
			}
			return buf, nil

		default:
			// Skip unknown chunks (LIST, fact, ...). Chunks are word
			// aligned.
			skip := int64(size)
			if skip%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, err
			}
		}
	}
}

// WriteWAV encodes the buffer as a 16-bit PCM WAV file.
func WriteWAV(path string, buf *Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeWAV writes 16-bit PCM WAV data to w.
func EncodeWAV(w io.Writer, buf *Buffer) error {
	channels := buf.Channels()
	if channels == 0 {
		return fmt.Errorf("wav: empty buffer")
	}
	frames := buf.Frames()
	dataSize := uint32(frames * channels * 2)

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(buf.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(buf.SampleRate*channels*2))
	binary.LittleEndian.PutUint16(header[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			v := buf.Data[c][i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			s := int16(math.Round(v * 32767))
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(s))
		}
	}
	_, err := w.Write(out)
	return err
}
