package dsp

import (
	"fmt"
	"math"
)

const (
	// envEpsilon guards the modulation normalization against a dead
	// carrier estimate.
	envEpsilon = 1e-9

	// cicFixedOne is the fixed-point scale of the CIC integrators. The
	// integrators run on wrapping int64 state so the combs cancel
	// exactly; float accumulators would lose the small envelope term
	// after minutes of integration.
	cicFixedOne = 1 << 20

	// modDepthEMAFactor smooths the modulation-depth metric between
	// reporting windows.
	modDepthEMAFactor = 0.10

	// modDepthWindowFrac sizes the metric's reporting window as a
	// fraction of a second of audio.
	modDepthWindowFrac = 0.25
)

// AMDemodConfig parameterizes the robust AM chain. The tracking and AGC
// constants are configurable; DefaultAMDemodConfig preserves the tuned
// behavior.
type AMDemodConfig struct {
	SampleRate float64 // input I/Q rate
	AudioRate  float64 // target PCM rate
	EnvTauS    float64 // carrier-level EMA time constant, seconds
	RMSAlpha   float64 // rms^2 EMA coefficient
	TargetRMS  float64 // AGC output target
	MinGain    float64
	MaxGain    float64
	Attack     float64 // smoothing toward a lower gain
	Release    float64 // smoothing toward a higher gain
	DCBlock    bool
	AudioLPFHz float64 // 0 disables
	Gain       float64 // PCM scale applied before clipping
}

func DefaultAMDemodConfig(sampleRate float64) AMDemodConfig {
	return AMDemodConfig{
		SampleRate: sampleRate,
		AudioRate:  48000,
		EnvTauS:    0.4,
		RMSAlpha:   0.001,
		TargetRMS:  0.25,
		MinGain:    0.1,
		MaxGain:    10,
		Attack:     0.1,
		Release:    0.005,
		DCBlock:    true,
		AudioLPFHz: 5000,
		Gain:       16000,
	}
}

// AMDemodulator is the robust envelope detector: a 2nd-order CIC
// decimator to audio rate, slow carrier-level tracking, normalized
// modulation, and RMS AGC with asymmetric attack/release.
type AMDemodulator struct {
	cfg   AMDemodConfig
	decim int

	// CIC state: integrators at input rate, combs at output rate
	integ1, integ2 int64
	comb1, comb2   int64
	phase          int
	cicScale       float64

	envAlpha float64
	envMean  float64
	meanInit bool

	dc       dcBlocker
	lpf      biquad
	lpfState biquadState

	agcGain float64
	rmsSq   float64

	// modulation-depth metric, fed by the pre-AGC decimated envelope
	envMax, envMin float64
	envCount       int
	windowSamples  int
	modDepth       float64

	out []int16
}

func NewAMDemodulator(cfg AMDemodConfig) (*AMDemodulator, error) {
	if cfg.SampleRate <= 0 || cfg.AudioRate <= 0 {
		return nil, fmt.Errorf("dsp: am rates must be positive (in %g, audio %g)", cfg.SampleRate, cfg.AudioRate)
	}
	if cfg.AudioLPFHz >= cfg.AudioRate/2 {
		return nil, fmt.Errorf("dsp: am audio low-pass %g Hz at or above Nyquist of %g Hz", cfg.AudioLPFHz, cfg.AudioRate/2)
	}
	if cfg.MinGain <= 0 || cfg.MaxGain < cfg.MinGain {
		return nil, fmt.Errorf("dsp: am gain clamp [%g, %g] invalid", cfg.MinGain, cfg.MaxGain)
	}
	decim := int(math.Round(cfg.SampleRate / cfg.AudioRate))
	if decim < 1 {
		decim = 1
	}
	d := &AMDemodulator{
		cfg:           cfg,
		decim:         decim,
		cicScale:      1 / (float64(cicFixedOne) * float64(decim) * float64(decim)),
		agcGain:       1,
		envMin:        math.Inf(1),
		windowSamples: int(cfg.AudioRate * modDepthWindowFrac),
	}
	if d.windowSamples < 1 {
		d.windowSamples = 1
	}
	dt := 1 / cfg.AudioRate
	d.envAlpha = dt / (cfg.EnvTauS + dt)
	if cfg.AudioLPFHz > 0 {
		d.lpf = lowPassBiquad(cfg.AudioRate, cfg.AudioLPFHz, audioLPFQ)
	}
	return d, nil
}

// DecimationFactor reports how many input samples make one PCM sample.
func (d *AMDemodulator) DecimationFactor() int {
	return d.decim
}

// AudioRate reports the PCM rate actually produced.
func (d *AMDemodulator) AudioRate() float64 {
	return d.cfg.SampleRate / float64(d.decim)
}

// Process demodulates a block and returns the PCM produced. The returned
// slice is reused on the next call.
func (d *AMDemodulator) Process(iq []complex128) []int16 {
	d.out = d.out[:0]
	for _, s := range iq {
		env := math.Hypot(real(s), imag(s))
		d.integ1 += int64(env * cicFixedOne)
		d.integ2 += d.integ1
		d.phase++
		if d.phase < d.decim {
			continue
		}
		d.phase = 0

		v := d.integ2
		c1 := v - d.comb1
		d.comb1 = v
		c2 := c1 - d.comb2
		d.comb2 = c1
		envDec := float64(c2) * d.cicScale

		d.updateDepthMetric(envDec)

		if !d.meanInit {
			d.envMean = envDec
			d.meanInit = true
		}
		d.envMean += d.envAlpha * (envDec - d.envMean)
		m := (envDec - d.envMean) / math.Max(d.envMean, envEpsilon)

		if d.cfg.DCBlock {
			m = d.dc.process(m)
		}
		if d.cfg.AudioLPFHz > 0 {
			m = d.lpfState.process(&d.lpf, m)
		}

		// RMS AGC with fast attack, slow release
		d.rmsSq += d.cfg.RMSAlpha * (m*m - d.rmsSq)
		desired := d.cfg.MaxGain
		if rms := math.Sqrt(d.rmsSq); rms > 0 {
			desired = d.cfg.TargetRMS / rms
			if desired < d.cfg.MinGain {
				desired = d.cfg.MinGain
			}
			if desired > d.cfg.MaxGain {
				desired = d.cfg.MaxGain
			}
		}
		coef := d.cfg.Release
		if desired < d.agcGain {
			coef = d.cfg.Attack
		}
		d.agcGain += coef * (desired - d.agcGain)

		d.out = append(d.out, clipInt16(m*d.agcGain*d.cfg.Gain))
	}
	return d.out
}

func (d *AMDemodulator) updateDepthMetric(env float64) {
	if env > d.envMax {
		d.envMax = env
	}
	if env < d.envMin {
		d.envMin = env
	}
	d.envCount++
	if d.envCount < d.windowSamples {
		return
	}
	if sum := d.envMax + d.envMin; sum > 0 {
		m := (d.envMax - d.envMin) / sum
		if m < 0 {
			m = 0
		}
		if m > 1 {
			m = 1
		}
		d.modDepth += modDepthEMAFactor * (m - d.modDepth)
	}
	d.envMax = 0
	d.envMin = math.Inf(1)
	d.envCount = 0
}

// ModulationDepth returns the smoothed modulation-depth estimate in
// [0, 1].
func (d *AMDemodulator) ModulationDepth() float64 {
	return d.modDepth
}

// AGCGain returns the current AGC gain, mostly for monitoring.
func (d *AMDemodulator) AGCGain() float64 {
	return d.agcGain
}

// Reset clears all carried state.
func (d *AMDemodulator) Reset() {
	d.integ1, d.integ2 = 0, 0
	d.comb1, d.comb2 = 0, 0
	d.phase = 0
	d.envMean = 0
	d.meanInit = false
	d.dc = dcBlocker{}
	d.lpfState = biquadState{}
	d.agcGain = 1
	d.rmsSq = 0
	d.envMax = 0
	d.envMin = math.Inf(1)
	d.envCount = 0
	d.modDepth = 0
}
