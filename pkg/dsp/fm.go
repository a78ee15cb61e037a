package dsp

import (
	"fmt"
	"math"
)

// deviationEMAFactor smooths the FM deviation metric.
const deviationEMAFactor = 0.10

// audioLPFQ is the quality factor of the post-demod audio low-pass.
const audioLPFQ = 0.7071

// FMDemodConfig parameterizes the FM chain. Zero-value fields are not
// defaulted here; use DefaultFMDemodConfig and override.
type FMDemodConfig struct {
	SampleRate   float64 // input I/Q rate
	AudioRate    float64 // target PCM rate
	DeemphasisUs float64 // de-emphasis time constant, microseconds; 0 disables
	AudioLPFHz   float64 // post-demod low-pass cutoff; 0 disables
	DCBlock      bool
	Gain         float64 // PCM scale applied before clipping
}

func DefaultFMDemodConfig(sampleRate float64) FMDemodConfig {
	return FMDemodConfig{
		SampleRate:   sampleRate,
		AudioRate:    48000,
		DeemphasisUs: 75,
		AudioLPFHz:   12000,
		DCBlock:      true,
		Gain:         16000,
	}
}

// FMDemodulator turns I/Q blocks into PCM via phase-difference
// discrimination. State carries across blocks, so one instance must see a
// contiguous stream.
type FMDemodulator struct {
	cfg   FMDemodConfig
	decim int

	prev     complex128
	havePrev bool
	phaseAcc float64
	phaseN   int

	deemphAlpha float64
	deemphState float64
	dc          dcBlocker
	lpf         biquad
	lpfState    biquadState

	devPeak float64
	devEMA  float64

	out []int16
}

func NewFMDemodulator(cfg FMDemodConfig) (*FMDemodulator, error) {
	if cfg.SampleRate <= 0 || cfg.AudioRate <= 0 {
		return nil, fmt.Errorf("dsp: fm rates must be positive (in %g, audio %g)", cfg.SampleRate, cfg.AudioRate)
	}
	if cfg.AudioLPFHz >= cfg.AudioRate/2 {
		return nil, fmt.Errorf("dsp: fm audio low-pass %g Hz at or above Nyquist of %g Hz", cfg.AudioLPFHz, cfg.AudioRate/2)
	}
	decim := int(math.Round(cfg.SampleRate / cfg.AudioRate))
	if decim < 1 {
		decim = 1
	}
	d := &FMDemodulator{cfg: cfg, decim: decim}
	if cfg.DeemphasisUs > 0 {
		dt := 1 / cfg.AudioRate
		tau := cfg.DeemphasisUs * 1e-6
		d.deemphAlpha = dt / (tau + dt)
	}
	if cfg.AudioLPFHz > 0 {
		d.lpf = lowPassBiquad(cfg.AudioRate, cfg.AudioLPFHz, audioLPFQ)
	}
	return d, nil
}

// DecimationFactor reports how many input samples make one PCM sample.
func (d *FMDemodulator) DecimationFactor() int {
	return d.decim
}

// AudioRate reports the PCM rate actually produced,
// SampleRate/DecimationFactor.
func (d *FMDemodulator) AudioRate() float64 {
	return d.cfg.SampleRate / float64(d.decim)
}

// Process demodulates a block and returns the PCM produced. The returned
// slice is reused on the next call.
func (d *FMDemodulator) Process(iq []complex128) []int16 {
	d.out = d.out[:0]
	for _, s := range iq {
		if !d.havePrev {
			d.prev = s
			d.havePrev = true
			continue
		}
		// phase of s[n] * conj(s[n-1])
		re := real(s)*real(d.prev) + imag(s)*imag(d.prev)
		im := imag(s)*real(d.prev) - real(s)*imag(d.prev)
		d.prev = s
		d.phaseAcc += math.Atan2(im, re)
		d.phaseN++
		if d.phaseN < d.decim {
			continue
		}
		avg := d.phaseAcc / float64(d.decim)
		d.phaseAcc = 0
		d.phaseN = 0

		// deviation tracking rides alongside the audio chain
		dev := math.Abs(avg) * d.cfg.SampleRate / (2 * math.Pi)
		if dev > d.devPeak {
			d.devPeak = dev
		}
		d.devEMA += deviationEMAFactor * (dev - d.devEMA)

		y := avg
		if d.cfg.DeemphasisUs > 0 {
			d.deemphState += d.deemphAlpha * (y - d.deemphState)
			y = d.deemphState
		}
		if d.cfg.DCBlock {
			y = d.dc.process(y)
		}
		if d.cfg.AudioLPFHz > 0 {
			y = d.lpfState.process(&d.lpf, y)
		}
		d.out = append(d.out, clipInt16(y*d.cfg.Gain))
	}
	return d.out
}

// Deviation returns the peak and EMA-smoothed frequency deviation seen so
// far, in Hz.
func (d *FMDemodulator) Deviation() (peak, ema float64) {
	return d.devPeak, d.devEMA
}

// Reset clears all carried state, including the deviation metric.
func (d *FMDemodulator) Reset() {
	d.prev = 0
	d.havePrev = false
	d.phaseAcc = 0
	d.phaseN = 0
	d.deemphState = 0
	d.dc = dcBlocker{}
	d.lpfState = biquadState{}
	d.devPeak = 0
	d.devEMA = 0
}
