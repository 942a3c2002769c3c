package audio

import "math"

// SilenceFloorDB is the value reported for an all-zero signal, standing in
// for -inf dBFS.
const SilenceFloorDB = -120.0

// RMSDB returns the root-mean-square level of the whole buffer in dBFS.
func (b *Buffer) RMSDB() float64 {
	var sum float64
	var n int
	for _, ch := range b.Data {
		for _, v := range ch {
			sum += v * v
		}
		n += len(ch)
	}
	if n == 0 {
		return SilenceFloorDB
	}
	rms := math.Sqrt(sum / float64(n))
	if rms <= 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < SilenceFloorDB {
		return SilenceFloorDB
	}
	return db
}

// Peak returns the largest absolute sample value.
func (b *Buffer) Peak() float64 {
	var peak float64
	for _, ch := range b.Data {
		for _, v := range ch {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// ClipFraction returns the share of samples at or above the given ceiling,
// the statistic behind clipping detection.
func (b *Buffer) ClipFraction(ceiling float64) float64 {
	var clipped, total int
	for _, ch := range b.Data {
		for _, v := range ch {
			if math.Abs(v) >= ceiling {
				clipped++
			}
		}
		total += len(ch)
	}
	if total == 0 {
		return 0
	}
	return float64(clipped) / float64(total)
}

// BandRatio returns the share of signal energy inside [lowHz, highHz],
// computed with a first-order band-pass copy. Used as the vocal-bleed
// statistic on instrumental stems.
func (b *Buffer) BandRatio(lowHz, highHz float64) float64 {
	var total float64
	for _, ch := range b.Data {
		for _, v := range ch {
			total += v * v
		}
	}
	if total == 0 {
		return 0
	}

	band := b.Clone()
	band.HighPass(lowHz)
	band.LowPass(highHz)

	var inBand float64
	for _, ch := range band.Data {
		for _, v := range ch {
			inBand += v * v
		}
	}
	return inBand / total
}

// Energy returns the mean squared sample value.
func (b *Buffer) Energy() float64 {
	var sum float64
	var n int
	for _, ch := range b.Data {
		for _, v := range ch {
			sum += v * v
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
