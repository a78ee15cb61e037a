package dsp

import (
	"fmt"
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"hz.tools/rf"
)

const (
	// stopbandFloorDB is the symmetric mask's rejection floor.
	stopbandFloorDB = -15.0
	// transitionFrac sizes the raised-cosine transition as a fraction of
	// the pass band width.
	transitionFrac = 0.30
	// outlierMarginDB caps out-of-band bins relative to the out-of-band
	// median before the mask is applied.
	outlierMarginDB = 6.0

	// halfSpectrumFloorMinDB and halfSpectrumFloorMaxDB clamp the
	// asymmetric variant's rejection floor.
	halfSpectrumFloorMinDB = -80.0
	halfSpectrumFloorMaxDB = -15.0
)

// Region classifies where a pass band sits relative to the tuned center.
type Region int

const (
	RegionPositive Region = iota
	RegionNegative
	RegionCrossDC
)

func (r Region) String() string {
	switch r {
	case RegionPositive:
		return "positive"
	case RegionNegative:
		return "negative"
	case RegionCrossDC:
		return "cross-dc"
	}
	return fmt.Sprintf("region(%d)", int(r))
}

// BandSpec is an absolute-frequency sub-band to keep.
type BandSpec struct {
	Start rf.Hz
	End   rf.Hz
}

// Validate rejects bands outside the capture range or with end <= start.
func (b BandSpec) Validate(center rf.Hz, sampleRate float64) error {
	if b.End <= b.Start {
		return fmt.Errorf("dsp: band end %v must be above start %v", b.End, b.Start)
	}
	lo := center - rf.Hz(sampleRate/2)
	hi := center + rf.Hz(sampleRate/2)
	if b.Start < lo || b.End > hi {
		return fmt.Errorf("dsp: band [%v, %v] outside capture range [%v, %v]",
			b.Start, b.End, lo, hi)
	}
	return nil
}

// Region reports which side of the tuned center the band occupies.
func (b BandSpec) Region(center rf.Hz) Region {
	switch {
	case b.Start >= center:
		return RegionPositive
	case b.End <= center:
		return RegionNegative
	default:
		return RegionCrossDC
	}
}

// HalfSpectrumMode selects which half the asymmetric variant passes.
type HalfSpectrumMode int

const (
	PassLow  HalfSpectrumMode = iota // keep frequencies below the center
	PassHigh                         // keep frequencies above the center
)

func (m HalfSpectrumMode) String() string {
	if m == PassLow {
		return "pass-low"
	}
	return "pass-high"
}

type maskKey struct {
	n          int
	center     rf.Hz
	sampleRate float64
	start, end rf.Hz
}

type halfMaskKey struct {
	n          int
	mode       HalfSpectrumMode
	bandwidth  float64
	order      int
	sampleRate float64
}

// ChannelFilter isolates a sub-band in the frequency domain. Masks and
// FFT plans are cached and rebuilt only when the parameter tuple changes.
type ChannelFilter struct {
	fft       *FFT
	masks     *lru.Cache[maskKey, []float64]
	halfMasks *lru.Cache[halfMaskKey, []float64]
	scratch   []float64
}

func NewChannelFilter() *ChannelFilter {
	masks, _ := lru.New[maskKey, []float64](8)
	halfMasks, _ := lru.New[halfMaskKey, []float64](8)
	return &ChannelFilter{fft: NewFFT(), masks: masks, halfMasks: halfMasks}
}

// binFreq returns the absolute frequency of FFT bin i in the unshifted
// (DC-first) layout.
func binFreq(i, n int, center rf.Hz, sampleRate float64) float64 {
	rel := i
	if i >= (n+1)/2 {
		rel = i - n
	}
	return float64(center) + float64(rel)*sampleRate/float64(n)
}

// ApplyInPlace keeps spec's band and suppresses the rest of the block:
// stage 1 flattens out-of-band outliers to median+6 dB, stage 2 applies
// the cached raised-cosine mask, then the block is transformed back.
func (cf *ChannelFilter) ApplyInPlace(sig []complex128, spec BandSpec, center rf.Hz, sampleRate float64) error {
	if len(sig) < 2 {
		return fmt.Errorf("dsp: channel filter needs at least 2 samples, got %d", len(sig))
	}
	if err := spec.Validate(center, sampleRate); err != nil {
		return err
	}
	if err := cf.fft.Forward(sig); err != nil {
		return err
	}
	n := len(sig)

	// Stage 1: median-based flattening of strong out-of-band energy so it
	// cannot leak through the mask's finite rejection.
	cf.scratch = cf.scratch[:0]
	for i := 0; i < n; i++ {
		f := binFreq(i, n, center, sampleRate)
		if f < float64(spec.Start) || f > float64(spec.End) {
			cf.scratch = append(cf.scratch, magnitude(sig[i]))
		}
	}
	if len(cf.scratch) > 0 {
		limit := medianOf(cf.scratch) * math.Pow(10, outlierMarginDB/20)
		if limit > 0 {
			for i := 0; i < n; i++ {
				f := binFreq(i, n, center, sampleRate)
				if f < float64(spec.Start) || f > float64(spec.End) {
					if mag := magnitude(sig[i]); mag > limit {
						sig[i] *= complex(limit/mag, 0)
					}
				}
			}
		}
	}

	// Stage 2: raised-cosine pass mask.
	mask := cf.bandMask(maskKey{n: n, center: center, sampleRate: sampleRate, start: spec.Start, end: spec.End})
	for i := range sig {
		sig[i] *= complex(mask[i], 0)
	}

	return cf.fft.Inverse(sig)
}

func (cf *ChannelFilter) bandMask(key maskKey) []float64 {
	if m, ok := cf.masks.Get(key); ok {
		return m
	}
	floor := math.Pow(10, stopbandFloorDB/20)
	width := float64(key.end - key.start)
	transition := transitionFrac * width
	m := make([]float64, key.n)
	for i := range m {
		f := binFreq(i, key.n, key.center, key.sampleRate)
		var dist float64
		switch {
		case f >= float64(key.start) && f <= float64(key.end):
			m[i] = 1
			continue
		case f < float64(key.start):
			dist = float64(key.start) - f
		default:
			dist = f - float64(key.end)
		}
		if dist >= transition {
			m[i] = floor
			continue
		}
		// t runs 1 at the pass edge down to 0 at the stop edge
		t := (transition - dist) / transition
		m[i] = floor + (1-floor)*(0.5-0.5*math.Cos(math.Pi*t))
	}
	cf.masks.Add(key, m)
	return m
}

// ApplyHalfSpectrum passes one frequency half of the block and suppresses
// the other, used for low-pass/high-pass channel modes. The rejection
// floor shallows with bandwidth and deepens with order; the transition
// narrows with order.
func (cf *ChannelFilter) ApplyHalfSpectrum(sig []complex128, mode HalfSpectrumMode, bandwidth float64, order int, sampleRate float64) error {
	if len(sig) < 2 {
		return fmt.Errorf("dsp: channel filter needs at least 2 samples, got %d", len(sig))
	}
	if bandwidth <= 0 || bandwidth > sampleRate {
		return fmt.Errorf("dsp: half-spectrum bandwidth %g Hz outside (0, %g]", bandwidth, sampleRate)
	}
	if order < 1 {
		return fmt.Errorf("dsp: half-spectrum order must be >= 1, got %d", order)
	}
	if err := cf.fft.Forward(sig); err != nil {
		return err
	}
	mask := cf.halfMask(halfMaskKey{n: len(sig), mode: mode, bandwidth: bandwidth, order: order, sampleRate: sampleRate})
	for i := range sig {
		sig[i] *= complex(mask[i], 0)
	}
	return cf.fft.Inverse(sig)
}

func (cf *ChannelFilter) halfMask(key halfMaskKey) []float64 {
	if m, ok := cf.halfMasks.Get(key); ok {
		return m
	}
	floorDB := -7.5 * float64(key.order) * (1 - key.bandwidth/key.sampleRate)
	if floorDB < halfSpectrumFloorMinDB {
		floorDB = halfSpectrumFloorMinDB
	}
	if floorDB > halfSpectrumFloorMaxDB {
		floorDB = halfSpectrumFloorMaxDB
	}
	floor := math.Pow(10, floorDB/20)
	transition := 0.6 * key.bandwidth / float64(key.order)

	m := make([]float64, key.n)
	for i := range m {
		f := binFreq(i, key.n, 0, key.sampleRate) // offsets from center
		// dist grows into the rejected half
		dist := f
		if key.mode == PassHigh {
			dist = -f
		}
		switch {
		case dist <= 0:
			m[i] = 1
		case dist >= transition:
			m[i] = floor
		default:
			t := (transition - dist) / transition
			m[i] = floor + (1-floor)*(0.5-0.5*math.Cos(math.Pi*t))
		}
	}
	cf.halfMasks.Add(key, m)
	return m
}

func magnitude(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// medianOf sorts its argument in place.
func medianOf(v []float64) float64 {
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}
