// Package dsp holds the signal-processing core: windowed FFTs, Welch and
// polyphase-filter-bank PSD estimation, Butterworth filtering, FFT-domain
// channel isolation, and the FM/AM demodulators. Everything is pure Go and
// operates on complex128 baseband blocks.
package dsp

import "math"

// iqLUT maps a signed 8-bit sample byte to its scaled amplitude in
// [-1, 1).
var iqLUT = func() [256]float64 {
	var t [256]float64
	for i := range t {
		t[i] = float64(int8(i)) / 128
	}
	return t
}()

// BytesToIQ converts interleaved signed 8-bit I/Q bytes into complex
// samples and returns the number of samples written. Odd trailing bytes
// are ignored.
func BytesToIQ(b []byte, dst []complex128) int {
	n := len(b) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = complex(iqLUT[b[2*i]], iqLUT[b[2*i+1]])
	}
	return n
}

// NextPow2 returns the smallest power of two >= v (minimum 1).
func NextPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

func clipInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
