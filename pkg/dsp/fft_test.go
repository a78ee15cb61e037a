package dsp

import (
	"math"
	"math/cmplx"
	"testing"
)

func TestForwardImpulse(t *testing.T) {
	f := NewFFT()
	x := make([]complex128, 64)
	x[0] = 1
	if err := f.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, v := range x {
		if cmplx.Abs(v-1) > 1e-12 {
			t.Fatalf("bin %d = %v, want 1 (impulse has a flat spectrum)", i, v)
		}
	}
}

func TestForwardTone(t *testing.T) {
	const n = 64
	const bin = 5
	f := NewFFT()
	x := make([]complex128, n)
	for i := range x {
		angle := 2 * math.Pi * bin * float64(i) / n
		x[i] = cmplx.Exp(complex(0, angle))
	}
	if err := f.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i, v := range x {
		mag := cmplx.Abs(v)
		if i == bin {
			if math.Abs(mag-n) > 1e-9 {
				t.Errorf("tone bin magnitude = %g, want %d", mag, n)
			}
		} else if mag > 1e-9 {
			t.Errorf("bin %d leaked magnitude %g", i, mag)
		}
	}
}

func TestForwardInverseRoundTrip(t *testing.T) {
	const n = 512
	f := NewFFT()
	x := make([]complex128, n)
	orig := make([]complex128, n)
	for i := range x {
		v := complex(math.Sin(float64(i)*0.37), math.Cos(float64(i)*1.13))
		x[i] = v
		orig[i] = v
	}
	if err := f.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := f.Inverse(x); err != nil {
		t.Fatalf("Inverse failed: %v", err)
	}
	for i := range x {
		if cmplx.Abs(x[i]-orig[i]) > 1e-10 {
			t.Fatalf("sample %d = %v after round trip, want %v", i, x[i], orig[i])
		}
	}
}

func TestRejectsNonPowerOfTwo(t *testing.T) {
	f := NewFFT()
	for _, n := range []int{0, 1, 3, 48, 100, 1000} {
		x := make([]complex128, n)
		if err := f.Forward(x); err == nil {
			t.Errorf("Forward accepted length %d", n)
		}
	}
}

func TestFFTShift(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	fftshift(x)
	want := []float64{2, 3, 0, 1}
	for i := range x {
		if x[i] != want[i] {
			t.Fatalf("fftshift = %v, want %v", x, want)
		}
	}
}
