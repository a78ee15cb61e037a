package dsp

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// MinSegmentSize is the smallest FFT segment the estimators accept.
const MinSegmentSize = 256

// minPower floors bin power before the log conversion so empty bins do
// not produce -Inf.
const minPower = 1e-20

// ScaleUnit selects the published power unit.
type ScaleUnit int

const (
	ScaleDBm ScaleUnit = iota
	ScaleDBuV
	ScaleDBmV
	ScaleWatts
	ScaleVolts
)

// ParseScaleUnit maps a unit string case-insensitively. Unrecognized
// strings fall back to dBm.
func ParseScaleUnit(s string) ScaleUnit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dbuv", "dbµv":
		return ScaleDBuV
	case "dbmv":
		return ScaleDBmV
	case "w", "watt", "watts":
		return ScaleWatts
	case "v", "volt", "volts":
		return ScaleVolts
	default:
		return ScaleDBm
	}
}

func (u ScaleUnit) String() string {
	switch u {
	case ScaleDBm:
		return "dbm"
	case ScaleDBuV:
		return "dbuv"
	case ScaleDBmV:
		return "dbmv"
	case ScaleWatts:
		return "w"
	case ScaleVolts:
		return "v"
	}
	return fmt.Sprintf("scale(%d)", int(u))
}

// ApplyScale converts a dBm power array in place. dBuV and dBmV assume
// the same 50 ohm load as the dBm conversion.
func ApplyScale(pxx []float64, unit ScaleUnit) {
	switch unit {
	case ScaleDBm:
	case ScaleDBuV:
		for i := range pxx {
			pxx[i] += 107
		}
	case ScaleDBmV:
		for i := range pxx {
			pxx[i] += 47
		}
	case ScaleWatts:
		for i := range pxx {
			pxx[i] = math.Pow(10, pxx[i]/10) / 1000
		}
	case ScaleVolts:
		for i := range pxx {
			pxx[i] = math.Sqrt(math.Pow(10, pxx[i]/10) / 1000 * 50)
		}
	}
}

// SegmentSizeForRBW picks the FFT segment length that achieves the
// requested resolution bandwidth with the given window:
// 2^ceil(log2(ENBW*fs/rbw)), clamped to at least MinSegmentSize. rbw <= 0
// selects the default segment size.
func SegmentSizeForRBW(win Window, sampleRate, rbw float64) int {
	if rbw <= 0 {
		return 1024
	}
	n := NextPow2(int(math.Ceil(win.ENBW() * sampleRate / rbw)))
	if n < MinSegmentSize {
		n = MinSegmentSize
	}
	return n
}

// PSDConfig parameterizes one spectral estimate.
type PSDConfig struct {
	SampleRate float64
	Window     Window
	NPerSeg    int // power of two >= MinSegmentSize
	NOverlap   int // samples of overlap between segments, < NPerSeg
}

func (c PSDConfig) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("dsp: psd sample rate must be positive, got %g", c.SampleRate)
	}
	if c.NPerSeg < MinSegmentSize || c.NPerSeg&(c.NPerSeg-1) != 0 {
		return fmt.Errorf("dsp: psd segment size must be a power of two >= %d, got %d", MinSegmentSize, c.NPerSeg)
	}
	if c.NOverlap < 0 || c.NOverlap >= c.NPerSeg {
		return fmt.Errorf("dsp: psd overlap %d outside [0, %d)", c.NOverlap, c.NPerSeg)
	}
	return nil
}

// PSDResult is one averaged spectrum. Freqs are offsets from the tuned
// center, monotonically increasing from -fs/2; Pxx is in dBm until
// rescaled with ApplyScale.
type PSDResult struct {
	Freqs []float64
	Pxx   []float64
}

// PSDEstimator owns the FFT plan cache and scratch space for spectral
// estimation. Not safe for concurrent use; each processing goroutine
// keeps its own.
type PSDEstimator struct {
	fft     *FFT
	workers int
	protos  map[int][]float64 // PFB prototype per channel count
}

func NewPSDEstimator() *PSDEstimator {
	return &PSDEstimator{
		fft:     NewFFT(),
		workers: runtime.GOMAXPROCS(0),
		protos:  make(map[int][]float64),
	}
}

// Welch estimates the PSD by averaging windowed overlapping periodograms.
// Segments are independent and fan out across workers.
func (e *PSDEstimator) Welch(sig []complex128, cfg PSDConfig) (*PSDResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := len(sig)
	if n < cfg.NPerSeg {
		return nil, fmt.Errorf("dsp: welch needs at least %d samples, got %d", cfg.NPerSeg, n)
	}
	win := cfg.Window.Generate(cfg.NPerSeg)
	if win == nil {
		return nil, fmt.Errorf("dsp: invalid window %v", cfg.Window)
	}
	step := cfg.NPerSeg - cfg.NOverlap
	if step < 1 {
		step = 1
	}
	segments := (n-cfg.NPerSeg)/step + 1

	workers := e.workers
	if workers > segments {
		workers = segments
	}
	if workers < 1 {
		workers = 1
	}
	// warm the plan before fan-out so workers only hit the read path
	if _, err := e.fft.plan(cfg.NPerSeg); err != nil {
		return nil, err
	}

	partial := make([][]float64, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		partial[w] = make([]float64, cfg.NPerSeg)
		g.Go(func() error {
			seg := make([]complex128, cfg.NPerSeg)
			acc := partial[w]
			for s := w; s < segments; s += workers {
				base := s * step
				for i := 0; i < cfg.NPerSeg; i++ {
					v := sig[base+i]
					seg[i] = complex(real(v)*win[i], imag(v)*win[i])
				}
				if err := e.fft.Forward(seg); err != nil {
					return err
				}
				for i, v := range seg {
					acc[i] += real(v)*real(v) + imag(v)*imag(v)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pxx := partial[0]
	for w := 1; w < workers; w++ {
		for i, v := range partial[w] {
			pxx[i] += v
		}
	}

	var winPower float64
	for _, v := range win {
		winPower += v * v
	}
	winPower /= float64(cfg.NPerSeg)

	scale := 1 / (cfg.SampleRate * winPower * float64(segments) * float64(cfg.NPerSeg))
	for i := range pxx {
		pxx[i] *= scale
	}
	fftshift(pxx)
	toDBm(pxx)
	return &PSDResult{Freqs: freqAxis(cfg.NPerSeg, cfg.SampleRate), Pxx: pxx}, nil
}

// toDBm converts per-bin power into dBm assuming a 50 ohm load.
func toDBm(pxx []float64) {
	for i, p := range pxx {
		if p < minPower {
			p = minPower
		}
		pxx[i] = 10 * math.Log10(p*1000/50)
	}
}

// freqAxis returns bin offsets from the tuned center, -fs/2 first.
func freqAxis(n int, sampleRate float64) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = -sampleRate/2 + float64(i)*sampleRate/float64(n)
	}
	return f
}
