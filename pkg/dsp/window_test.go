package dsp

import (
	"math"
	"testing"
)

func TestParseWindow(t *testing.T) {
	cases := []struct {
		name string
		want Window
	}{
		{"", WindowHann},
		{"hann", WindowHann},
		{"Hanning", WindowHann},
		{"rect", WindowRectangular},
		{"boxcar", WindowRectangular},
		{"HAMMING", WindowHamming},
		{"blackman", WindowBlackman},
		{"flat-top", WindowFlatTop},
		{"flattop", WindowFlatTop},
		{"triangular", WindowBartlett},
		{"kaiser", WindowKaiser},
		{"tukey", WindowTukey},
	}
	for _, c := range cases {
		got, err := ParseWindow(c.name)
		if err != nil {
			t.Errorf("ParseWindow(%q) returned error: %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseWindow(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseWindowRejectsUnknown(t *testing.T) {
	if _, err := ParseWindow("gaussian"); err == nil {
		t.Error("Expected error for unknown window name, got nil")
	}
}

// The ENBW table drives FFT sizing, so it has to agree with the
// coefficients Generate actually produces: ENBW = n*sum(w^2)/sum(w)^2.
func TestENBWMatchesCoefficients(t *testing.T) {
	const n = 4096
	windows := []Window{
		WindowRectangular, WindowHann, WindowHamming, WindowBlackman,
		WindowFlatTop, WindowBartlett, WindowKaiser, WindowTukey,
	}
	for _, w := range windows {
		coef := w.Generate(n)
		if coef == nil {
			t.Fatalf("Generate returned nil for %v", w)
		}
		var sum, sumSq float64
		for _, v := range coef {
			sum += v
			sumSq += v * v
		}
		empirical := float64(n) * sumSq / (sum * sum)
		table := w.ENBW()
		if rel := math.Abs(empirical-table) / table; rel > 0.025 {
			t.Errorf("%v: empirical ENBW %.4f vs table %.4f (%.1f%% off)",
				w, empirical, table, rel*100)
		}
	}
}

func TestGenerateSymmetry(t *testing.T) {
	const n = 1024
	for _, w := range []Window{WindowHann, WindowBlackman, WindowFlatTop, WindowKaiser, WindowTukey} {
		coef := w.Generate(n)
		for i := 0; i < n/2; i++ {
			if math.Abs(coef[i]-coef[n-1-i]) > 1e-12 {
				t.Fatalf("%v: coefficient %d (%g) != mirror %d (%g)", w, i, coef[i], n-1-i, coef[n-1-i])
			}
		}
	}
}

func TestGenerateRectangularAndEdges(t *testing.T) {
	coef := WindowRectangular.Generate(64)
	for i, v := range coef {
		if v != 1 {
			t.Fatalf("rectangular[%d] = %g, want 1", i, v)
		}
	}
	hann := WindowHann.Generate(64)
	if hann[0] > 1e-15 || hann[63] > 1e-15 {
		t.Errorf("hann endpoints should be ~0, got %g and %g", hann[0], hann[63])
	}
	if WindowHann.Generate(0) != nil {
		t.Error("Generate(0) should return nil")
	}
	one := WindowBlackman.Generate(1)
	if len(one) != 1 || one[0] != 1 {
		t.Errorf("Generate(1) = %v, want [1]", one)
	}
}
