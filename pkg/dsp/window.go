package dsp

import (
	"fmt"
	"math"
	"strings"
)

// Window identifies a spectral window function.
type Window int

const (
	WindowRectangular Window = iota
	WindowHann
	WindowHamming
	WindowBlackman
	WindowFlatTop
	WindowBartlett
	WindowKaiser
	WindowTukey
)

// kaiserBeta is the shape parameter used for both the Kaiser window and
// the polyphase filter bank prototype.
const kaiserBeta = 8.6

// tukeyAlpha is the taper fraction of the Tukey window.
const tukeyAlpha = 0.5

// ParseWindow maps a window name from a configuration document. Unknown
// names are a configuration error, not a silent fallback.
func ParseWindow(name string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hann", "hanning":
		return WindowHann, nil
	case "rectangular", "rect", "boxcar":
		return WindowRectangular, nil
	case "hamming":
		return WindowHamming, nil
	case "blackman":
		return WindowBlackman, nil
	case "flattop", "flat_top", "flat-top":
		return WindowFlatTop, nil
	case "bartlett", "triangular":
		return WindowBartlett, nil
	case "kaiser":
		return WindowKaiser, nil
	case "tukey":
		return WindowTukey, nil
	default:
		return WindowHann, fmt.Errorf("dsp: unknown window %q", name)
	}
}

func (w Window) String() string {
	switch w {
	case WindowRectangular:
		return "rectangular"
	case WindowHann:
		return "hann"
	case WindowHamming:
		return "hamming"
	case WindowBlackman:
		return "blackman"
	case WindowFlatTop:
		return "flattop"
	case WindowBartlett:
		return "bartlett"
	case WindowKaiser:
		return "kaiser"
	case WindowTukey:
		return "tukey"
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// ENBW returns the window's equivalent noise bandwidth in bins. These
// factors drive automatic FFT sizing from a requested resolution
// bandwidth; power normalization always uses the generated coefficients,
// so small table errors do not bias the estimate. Kaiser is for beta=8.6,
// Tukey for alpha=0.5.
func (w Window) ENBW() float64 {
	switch w {
	case WindowRectangular:
		return 1.0
	case WindowHann:
		return 1.5
	case WindowHamming:
		return 1.3628
	case WindowBlackman:
		return 1.7268
	case WindowFlatTop:
		return 3.7702
	case WindowBartlett:
		return 4.0 / 3.0
	case WindowKaiser:
		return 1.72
	case WindowTukey:
		return 1.22
	}
	return 1.0
}

// Generate returns the n window coefficients, or nil for an invalid
// window value.
func (w Window) Generate(n int) []float64 {
	if n < 1 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = 1
		return out
	}
	m := float64(n - 1)
	switch w {
	case WindowRectangular:
		for i := range out {
			out[i] = 1
		}
	case WindowHann:
		for i := range out {
			out[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/m)
		}
	case WindowHamming:
		for i := range out {
			out[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/m)
		}
	case WindowBlackman:
		for i := range out {
			out[i] = 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/m) +
				0.08*math.Cos(4*math.Pi*float64(i)/m)
		}
	case WindowFlatTop:
		// SRS flat-top coefficients
		const (
			a0 = 0.21557895
			a1 = 0.41663158
			a2 = 0.277263158
			a3 = 0.083578947
			a4 = 0.006947368
		)
		for i := range out {
			x := 2 * math.Pi * float64(i) / m
			out[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x) - a3*math.Cos(3*x) + a4*math.Cos(4*x)
		}
	case WindowBartlett:
		for i := range out {
			out[i] = 1 - math.Abs(2*float64(i)/m-1)
		}
	case WindowKaiser:
		den := besselI0(kaiserBeta)
		for i := range out {
			x := 2*float64(i)/m - 1
			out[i] = besselI0(kaiserBeta*math.Sqrt(1-x*x)) / den
		}
	case WindowTukey:
		taper := tukeyAlpha * m / 2
		for i := range out {
			fi := float64(i)
			switch {
			case fi < taper:
				out[i] = 0.5 + 0.5*math.Cos(math.Pi*(fi/taper-1))
			case fi > m-taper:
				out[i] = 0.5 + 0.5*math.Cos(math.Pi*((fi-m+taper)/taper))
			default:
				out[i] = 1
			}
		}
	default:
		return nil
	}
	return out
}

// besselI0 is the zeroth-order modified Bessel function of the first
// kind, by power series.
func besselI0(x float64) float64 {
	sum := 1.0
	term := 1.0
	half := x / 2
	for k := 1; k < 64; k++ {
		term *= (half / float64(k)) * (half / float64(k))
		sum += term
		if term < sum*1e-14 {
			break
		}
	}
	return sum
}
