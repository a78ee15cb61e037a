package dsp

import (
	"math"
	"math/rand"
	"testing"
)

func toneIQ(freq, sampleRate float64, n int) []complex128 {
	sig := make([]complex128, n)
	for i := range sig {
		angle := 2 * math.Pi * freq * float64(i) / sampleRate
		sig[i] = complex(math.Cos(angle), math.Sin(angle))
	}
	return sig
}

func rmsIQ(sig []complex128) float64 {
	var sum float64
	for _, s := range sig {
		sum += real(s)*real(s) + imag(s)*imag(s)
	}
	return math.Sqrt(sum / float64(len(sig)))
}

func TestFilterBankStability(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for order := 2; order <= 12; order += 2 {
		fb, err := NewFilterBank(48000, 10000, order, false)
		if err != nil {
			t.Fatalf("NewFilterBank order %d failed: %v", order, err)
		}
		sig := make([]complex128, 10000)
		for i := range sig {
			sig[i] = complex(rng.Float64()*2-1, rng.Float64()*2-1)
		}
		fb.ApplyInPlace(sig)
		for i, s := range sig {
			m := magnitude(s)
			if math.IsNaN(m) || math.IsInf(m, 0) || m > 100 {
				t.Fatalf("order %d: sample %d blew up to %v", order, i, s)
			}
		}
	}
}

func TestFilterBankOrderClamp(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 2}, {1, 2}, {2, 2}, {5, 4}, {7, 6}, {12, 12}, {13, 12}, {99, 12},
	}
	for _, c := range cases {
		fb, err := NewFilterBank(48000, 10000, c.in, false)
		if err != nil {
			t.Fatalf("NewFilterBank order %d failed: %v", c.in, err)
		}
		if got := fb.Order(); got != c.want {
			t.Errorf("order %d clamped to %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFilterBankDCBlocker(t *testing.T) {
	fb, err := NewFilterBank(48000, 10000, 4, true)
	if err != nil {
		t.Fatalf("NewFilterBank failed: %v", err)
	}
	sig := make([]complex128, 48000)
	for i := range sig {
		sig[i] = complex(1, 1)
	}
	fb.ApplyInPlace(sig)
	for i := len(sig) - 100; i < len(sig); i++ {
		if magnitude(sig[i]) > 0.01 {
			t.Fatalf("DC residual %g at sample %d after a full second", magnitude(sig[i]), i)
		}
	}
}

func TestFilterBankPassAndStop(t *testing.T) {
	const fs = 1e6
	const n = 8192
	const settle = 2048

	fb, err := NewFilterBank(fs, 100e3, 8, false)
	if err != nil {
		t.Fatalf("NewFilterBank failed: %v", err)
	}

	inBand := toneIQ(10e3, fs, n)
	fb.ApplyInPlace(inBand)
	if got := rmsIQ(inBand[settle:]); got < 0.7 {
		t.Errorf("in-band tone rms %g after filtering, want > 0.7", got)
	}

	fb.Reset()
	outBand := toneIQ(300e3, fs, n)
	fb.ApplyInPlace(outBand)
	if got := rmsIQ(outBand[settle:]); got > 0.1 {
		t.Errorf("out-of-band tone rms %g after filtering, want < 0.1", got)
	}
}

func TestFilterBankValidation(t *testing.T) {
	if _, err := NewFilterBank(0, 10000, 4, false); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := NewFilterBank(48000, 0, 4, false); err == nil {
		t.Error("Expected error for zero bandwidth")
	}
	if _, err := NewFilterBank(48000, 48000, 4, false); err == nil {
		t.Error("Expected error for bandwidth at the sample rate")
	}
	fb, err := NewFilterBank(48000, 10000, 4, false)
	if err != nil {
		t.Fatalf("NewFilterBank failed: %v", err)
	}
	if err := fb.Reconfigure(-1, 10000, 4); err == nil {
		t.Error("Expected Reconfigure error for negative sample rate")
	}
	if err := fb.Reconfigure(2e6, 150e3, 6); err != nil {
		t.Errorf("Reconfigure failed: %v", err)
	}
	if got := fb.Order(); got != 6 {
		t.Errorf("Order after Reconfigure = %d, want 6", got)
	}
}
