package audio

import "math"

// HighPass applies a first-order high-pass filter in place, per channel.
func (b *Buffer) HighPass(cutoffHz float64) {
	if b.SampleRate == 0 {
		return
	}
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / float64(b.SampleRate)
	alpha := rc / (rc + dt)

	for _, ch := range b.Data {
		if len(ch) == 0 {
			continue
		}
		prevIn := ch[0]
		prevOut := ch[0]
		ch[0] = 0
		for i := 1; i < len(ch); i++ {
			out := alpha * (prevOut + ch[i] - prevIn)
			prevIn = ch[i]
			prevOut = out
			ch[i] = out
		}
	}
}

// LowPass applies a first-order low-pass filter in place, per channel.
func (b *Buffer) LowPass(cutoffHz float64) {
	if b.SampleRate == 0 {
		return
	}
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / float64(b.SampleRate)
	alpha := dt / (rc + dt)

	for _, ch := range b.Data {
		var prev float64
		for i, v := range ch {
			prev += alpha * (v - prev)
			ch[i] = prev
		}
	}
}

// SuppressBand attenuates the [lowHz, highHz] band by subtracting a scaled
// band-passed copy, a time-domain take on the spectral subtraction the
// bleed repair needs. amount in [0,1]; 1 removes the band entirely.
func (b *Buffer) SuppressBand(lowHz, highHz, amount float64) {
	band := b.Clone()
	band.HighPass(lowHz)
	band.LowPass(highHz)

	for c, ch := range b.Data {
		for i := range ch {
			ch[i] -= amount * band.Data[c][i]
		}
	}
}

// PeakNormalize scales the buffer so its peak sits at the given ceiling.
func (b *Buffer) PeakNormalize(ceiling float64) {
	peak := b.Peak()
	if peak == 0 {
		return
	}
	gain := ceiling / peak
	for _, ch := range b.Data {
		for i := range ch {
			ch[i] *= gain
		}
	}
}

// LoudnessNormalize applies gain toward a target RMS level, then pulls the
// peak back under the ceiling.
func (b *Buffer) LoudnessNormalize(targetDB, ceiling float64) {
	current := b.RMSDB()
	if current <= SilenceFloorDB {
		return
	}
	gain := math.Pow(10, (targetDB-current)/20)
	for _, ch := range b.Data {
		for i := range ch {
			ch[i] *= gain
		}
	}
	if b.Peak() > ceiling {
		b.PeakNormalize(ceiling)
	}
}

// Limit soft-clips samples above the threshold with a tanh knee so clipped
// peaks come down without crushing the rest of the signal.
func (b *Buffer) Limit(threshold float64) {
	if threshold <= 0 || threshold >= 1 {
		return
	}
	for _, ch := range b.Data {
		for i, v := range ch {
			a := math.Abs(v)
			if a <= threshold {
				continue
			}
			knee := threshold + (1-threshold)*math.Tanh((a-threshold)/(1-threshold))
			if v > 0 {
				ch[i] = knee
			} else {
				ch[i] = -knee
			}
		}
	}
}
