package dsp

import (
	"fmt"
	"math"
)

// dcBlockerPole sets the highpass corner of the DC blocker; at 48 kHz the
// corner sits near 36 Hz.
const dcBlockerPole = 0.9953

// dcBlocker is the one-pole DC rejection filter y[n] = x[n] - x[n-1] +
// r*y[n-1].
type dcBlocker struct {
	x1, y1 float64
}

func (d *dcBlocker) process(x float64) float64 {
	y := x - d.x1 + dcBlockerPole*d.y1
	d.x1 = x
	d.y1 = y
	return y
}

// biquad holds normalized second-order section coefficients (a0 divided
// out).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState is the direct-form-II-transposed delay pair for one rail.
type biquadState struct {
	z1, z2 float64
}

func (s *biquadState) process(q *biquad, x float64) float64 {
	y := q.b0*x + s.z1
	s.z1 = q.b1*x - q.a1*y + s.z2
	s.z2 = q.b2*x - q.a2*y
	return y
}

// lowPassBiquad designs one RBJ low-pass section at the given cutoff and
// quality factor, normalized so a0 = 1.
func lowPassBiquad(sampleRate, cutoff, q float64) biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosW0) / 2 / a0,
		b1: (1 - cosW0) / a0,
		b2: (1 - cosW0) / 2 / a0,
		a1: -2 * cosW0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// FilterBank is a Butterworth low-pass cascade applied independently to
// the I and Q rails of a complex stream, with an optional DC blocker in
// front. State persists across blocks so audio chunks stay continuous.
type FilterBank struct {
	sampleRate float64
	bandwidth  float64
	order      int
	dcBlock    bool

	sections []biquad
	stI, stQ []biquadState
	dcI, dcQ dcBlocker
}

// NewFilterBank designs a cascade for the given bandwidth. The order is
// clamped to an even value in [2, 12]; each section k gets the Butterworth
// pole quality Q_k = 1/(2*sin(pi*(2k+1)/(2N))) and cuts off at
// bandwidth/2.
func NewFilterBank(sampleRate, bandwidth float64, order int, dcBlock bool) (*FilterBank, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("dsp: filter sample rate must be positive, got %g", sampleRate)
	}
	if bandwidth <= 0 || bandwidth/2 >= sampleRate/2 {
		return nil, fmt.Errorf("dsp: filter bandwidth %g Hz outside (0, %g) at %g samples/s",
			bandwidth, sampleRate, sampleRate)
	}
	fb := &FilterBank{dcBlock: dcBlock}
	fb.design(sampleRate, bandwidth, order)
	return fb, nil
}

func (fb *FilterBank) design(sampleRate, bandwidth float64, order int) {
	if order%2 != 0 {
		order--
	}
	if order < 2 {
		order = 2
	}
	if order > 12 {
		order = 12
	}
	n := order
	sections := order / 2
	fc := bandwidth / 2

	fb.sampleRate = sampleRate
	fb.bandwidth = bandwidth
	fb.order = order
	fb.sections = make([]biquad, sections)
	fb.stI = make([]biquadState, sections)
	fb.stQ = make([]biquadState, sections)
	fb.dcI = dcBlocker{}
	fb.dcQ = dcBlocker{}
	for k := 0; k < sections; k++ {
		q := 1 / (2 * math.Sin(math.Pi*float64(2*k+1)/float64(2*n)))
		fb.sections[k] = lowPassBiquad(sampleRate, fc, q)
	}
}

// Reconfigure redesigns the cascade and resets all delay registers. Used
// when the input sample rate changes between sessions.
func (fb *FilterBank) Reconfigure(sampleRate, bandwidth float64, order int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("dsp: filter sample rate must be positive, got %g", sampleRate)
	}
	if bandwidth <= 0 || bandwidth/2 >= sampleRate/2 {
		return fmt.Errorf("dsp: filter bandwidth %g Hz outside (0, %g) at %g samples/s",
			bandwidth, sampleRate, sampleRate)
	}
	fb.design(sampleRate, bandwidth, order)
	return nil
}

// ApplyInPlace runs every sample of sig through the DC blocker (when
// enabled) and the cascade, I and Q independently.
func (fb *FilterBank) ApplyInPlace(sig []complex128) {
	for n, s := range sig {
		i, q := real(s), imag(s)
		if fb.dcBlock {
			i = fb.dcI.process(i)
			q = fb.dcQ.process(q)
		}
		for k := range fb.sections {
			sec := &fb.sections[k]
			i = fb.stI[k].process(sec, i)
			q = fb.stQ[k].process(sec, q)
		}
		sig[n] = complex(i, q)
	}
}

// Reset zeroes the filter memory without changing the design.
func (fb *FilterBank) Reset() {
	for k := range fb.stI {
		fb.stI[k] = biquadState{}
		fb.stQ[k] = biquadState{}
	}
	fb.dcI = dcBlocker{}
	fb.dcQ = dcBlocker{}
}

// Order reports the clamped filter order in effect.
func (fb *FilterBank) Order() int {
	return fb.order
}
