package dsp

import (
	"fmt"
	"math"
)

// pfbTapsPerChannel is the prototype filter length per polyphase branch.
const pfbTapsPerChannel = 8

// PFB estimates the PSD with a polyphase filter bank: a Kaiser-windowed
// prototype low-pass split across NPerSeg branches. It trades resolution
// control for sharper per-channel rejection at a fixed channel count.
// NOverlap is ignored; blocks advance by one channel count.
func (e *PSDEstimator) PFB(sig []complex128, cfg PSDConfig) (*PSDResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := cfg.NPerSeg
	l := m * pfbTapsPerChannel
	if len(sig) < l {
		return nil, fmt.Errorf("dsp: pfb needs at least %d samples for %d channels, got %d",
			l, m, len(sig))
	}
	blocks := (len(sig)-l)/m + 1
	proto := e.prototype(m)

	if _, err := e.fft.plan(m); err != nil {
		return nil, err
	}
	acc := make([]float64, m)
	seg := make([]complex128, m)
	for b := 0; b < blocks; b++ {
		base := b * m
		for ch := 0; ch < m; ch++ {
			var sum complex128
			for t := 0; t < pfbTapsPerChannel; t++ {
				idx := t*m + ch
				sum += sig[base+idx] * complex(proto[idx], 0)
			}
			seg[ch] = sum
		}
		if err := e.fft.Forward(seg); err != nil {
			return nil, err
		}
		for i, v := range seg {
			acc[i] += real(v)*real(v) + imag(v)*imag(v)
		}
	}

	scale := 1 / (float64(blocks) * cfg.SampleRate * float64(m))
	for i := range acc {
		acc[i] *= scale
	}
	fftshift(acc)
	toDBm(acc)
	return &PSDResult{Freqs: freqAxis(m, cfg.SampleRate), Pxx: acc}, nil
}

// prototype builds (and caches) the Kaiser-windowed sinc prototype for m
// channels.
func (e *PSDEstimator) prototype(m int) []float64 {
	if p, ok := e.protos[m]; ok {
		return p
	}
	l := m * pfbTapsPerChannel
	win := WindowKaiser.Generate(l)
	center := float64(l-1) / 2
	p := make([]float64, l)
	for i := range p {
		x := (float64(i) - center) / float64(m)
		p[i] = sinc(x) * win[i]
	}
	e.protos[m] = p
	return p
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}
