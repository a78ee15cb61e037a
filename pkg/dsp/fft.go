package dsp

import (
	"fmt"
	"math"
	"math/bits"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fftPlan holds the bit-reversal permutation and twiddle table for one
// radix-2 transform size. Plans are immutable once built, so a single
// plan can serve concurrent transforms.
type fftPlan struct {
	n   int
	rev []int
	tw  []complex128 // exp(-2*pi*i*k/n) for k < n/2
}

func newFFTPlan(n int) *fftPlan {
	p := &fftPlan{n: n, rev: make([]int, n), tw: make([]complex128, n/2)}
	shift := bits.Len(uint(n)) - 1
	for i := 1; i < n; i++ {
		p.rev[i] = p.rev[i>>1]>>1 | (i&1)<<(shift-1)
	}
	for k := 0; k < n/2; k++ {
		angle := -2 * math.Pi * float64(k) / float64(n)
		p.tw[k] = complex(math.Cos(angle), math.Sin(angle))
	}
	return p
}

// transform runs the in-place Cooley-Tukey butterflies. The inverse
// transform conjugates the twiddles; scaling is left to the caller.
func (p *fftPlan) transform(x []complex128, inverse bool) {
	n := p.n
	for i, j := range p.rev {
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		tableStep := n / size
		for i := 0; i < n; i += size {
			for j := 0; j < half; j++ {
				w := p.tw[j*tableStep]
				if inverse {
					w = complex(real(w), -imag(w))
				}
				t := x[i+j+half] * w
				x[i+j+half] = x[i+j] - t
				x[i+j] = x[i+j] + t
			}
		}
	}
}

// FFT owns a small cache of transform plans keyed by size. The cache is
// rebuilt only when a new size shows up, so alternating configurations do
// not thrash plan construction.
type FFT struct {
	plans *lru.Cache[int, *fftPlan]
}

func NewFFT() *FFT {
	plans, _ := lru.New[int, *fftPlan](8)
	return &FFT{plans: plans}
}

func (f *FFT) plan(n int) (*fftPlan, error) {
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("dsp: fft size must be a power of two >= 2, got %d", n)
	}
	if p, ok := f.plans.Get(n); ok {
		return p, nil
	}
	p := newFFTPlan(n)
	f.plans.Add(n, p)
	return p, nil
}

// Forward transforms x in place.
func (f *FFT) Forward(x []complex128) error {
	p, err := f.plan(len(x))
	if err != nil {
		return err
	}
	p.transform(x, false)
	return nil
}

// Inverse transforms x in place and scales by 1/n.
func (f *FFT) Inverse(x []complex128) error {
	p, err := f.plan(len(x))
	if err != nil {
		return err
	}
	p.transform(x, true)
	scale := complex(1/float64(len(x)), 0)
	for i := range x {
		x[i] *= scale
	}
	return nil
}

// fftshift reorders a power array in place so bin 0 lands at -fs/2.
func fftshift(x []float64) {
	half := len(x) / 2
	for i := 0; i < half; i++ {
		x[i], x[i+half] = x[i+half], x[i]
	}
}
