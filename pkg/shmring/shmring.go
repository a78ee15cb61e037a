// Package shmring is the always-on diagnostics tap: a single-writer
// shared-memory ring in /dev/shm that external tools map read-only to
// observe the raw I/Q stream without touching the capture path. The
// writer never blocks and never waits for readers; slow readers lose the
// oldest bytes and can tell how many they lost.
package shmring

import (
	"fmt"
	"math"
	"path"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ringHeader sits at the start of the mapping. Head is an unbounded byte
// counter; readers keep their own tail and reduce modulo Capacity.
type ringHeader struct {
	Magic      uint64
	Capacity   uint64 // data bytes, excluding this header
	Head       uint64 // total bytes ever written
	Version    uint32
	Format     uint32 // sample encoding, FormatIQ8
	SampleRate uint64 // float64 bits
	CenterFreq uint64 // float64 bits
	_          [16]byte
}

const (
	HeaderSize = uint64(unsafe.Sizeof(ringHeader{}))
	MagicValue = 0x5258495154415030 // "RXIQTAP0"
	Version    = 1

	// FormatIQ8 is interleaved signed 8-bit I/Q.
	FormatIQ8 = 1
)

// Ring is one mapped shared-memory ring. The engine holds the writing
// side; cmd/iqtap and friends hold reading sides.
type Ring struct {
	fd     int
	data   []byte
	header *ringHeader
	cap    uint64
}

func shmPath(name string) string {
	return path.Join("/dev/shm", strings.TrimPrefix(name, "/"))
}

// Create makes (or replaces) the named ring with the given data capacity.
func Create(name string, capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("shmring: capacity must be positive, got %d", capacity)
	}
	p := shmPath(name)
	fd, err := unix.Open(p, unix.O_RDWR|unix.O_CREAT, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", p, err)
	}
	total := int64(HeaderSize) + int64(capacity)
	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: ftruncate %s: %w", p, err)
	}
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap %s: %w", p, err)
	}

	r := &Ring{fd: fd, data: data, cap: uint64(capacity)}
	r.header = (*ringHeader)(unsafe.Pointer(&data[0]))
	r.header.Capacity = uint64(capacity)
	r.header.Version = Version
	r.header.Format = FormatIQ8
	atomic.StoreUint64(&r.header.Head, 0)
	atomic.StoreUint64(&r.header.SampleRate, 0)
	atomic.StoreUint64(&r.header.CenterFreq, 0)
	// magic goes last so readers never see a half-built header
	atomic.StoreUint64(&r.header.Magic, MagicValue)
	return r, nil
}

// Open maps an existing ring.
func Open(name string) (*Ring, error) {
	p := shmPath(name)
	fd, err := unix.Open(p, unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shmring: open %s: %w", p, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: fstat %s: %w", p, err)
	}
	if uint64(stat.Size) <= HeaderSize {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: %s too small (%d bytes)", p, stat.Size)
	}
	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap %s: %w", p, err)
	}
	r := &Ring{fd: fd, data: data, cap: uint64(stat.Size) - HeaderSize}
	r.header = (*ringHeader)(unsafe.Pointer(&data[0]))
	if got := atomic.LoadUint64(&r.header.Magic); got != MagicValue {
		r.Close()
		return nil, fmt.Errorf("shmring: %s has magic %#x, want %#x", p, got, MagicValue)
	}
	if r.header.Version != Version {
		r.Close()
		return nil, fmt.Errorf("shmring: %s has version %d, want %d", p, r.header.Version, Version)
	}
	if r.header.Capacity != r.cap {
		r.Close()
		return nil, fmt.Errorf("shmring: %s capacity %d disagrees with file size", p, r.header.Capacity)
	}
	return r, nil
}

// Write copies p into the ring, overwriting the oldest bytes, and
// advances the shared head. It never blocks.
func (r *Ring) Write(p []byte) (int, error) {
	n := uint64(len(p))
	if n > r.cap {
		return 0, fmt.Errorf("shmring: write of %d bytes exceeds capacity %d", n, r.cap)
	}
	head := atomic.LoadUint64(&r.header.Head)
	dest := r.data[HeaderSize:]
	pos := head % r.cap
	first := r.cap - pos
	if n <= first {
		copy(dest[pos:], p)
	} else {
		copy(dest[pos:], p[:first])
		copy(dest, p[first:])
	}
	atomic.StoreUint64(&r.header.Head, head+n)
	return len(p), nil
}

// ReadAt copies bytes beginning at the caller's tail counter into p and
// returns how many were copied, the advanced tail, and how many bytes the
// writer overwrote before the caller got to them. A tail ahead of the
// head (a recreated ring) resyncs to the current head.
func (r *Ring) ReadAt(tail uint64, p []byte) (n int, newTail uint64, dropped uint64, err error) {
	head := atomic.LoadUint64(&r.header.Head)
	if tail > head {
		return 0, head, 0, nil
	}
	if lag := head - tail; lag > r.cap {
		dropped = lag - r.cap
		tail = head - r.cap
	}
	avail := head - tail
	want := uint64(len(p))
	if want > avail {
		want = avail
	}
	src := r.data[HeaderSize:]
	pos := tail % r.cap
	first := r.cap - pos
	if want <= first {
		copy(p, src[pos:pos+want])
	} else {
		copy(p, src[pos:])
		copy(p[first:], src[:want-first])
	}
	// if the writer lapped us mid-copy the bytes are suspect; resync and
	// count the whole window as lost
	if now := atomic.LoadUint64(&r.header.Head); now-tail > r.cap {
		dropped += now - tail - r.cap
		return 0, now - r.cap, dropped, nil
	}
	return int(want), tail + want, dropped, nil
}

// SetRadioState publishes the tuning the stream was captured with.
func (r *Ring) SetRadioState(sampleRate, centerFreq float64) {
	atomic.StoreUint64(&r.header.SampleRate, math.Float64bits(sampleRate))
	atomic.StoreUint64(&r.header.CenterFreq, math.Float64bits(centerFreq))
}

// RadioState reads the tuning published by the writer.
func (r *Ring) RadioState() (sampleRate, centerFreq float64) {
	return math.Float64frombits(atomic.LoadUint64(&r.header.SampleRate)),
		math.Float64frombits(atomic.LoadUint64(&r.header.CenterFreq))
}

// Head returns the total bytes written so far.
func (r *Ring) Head() uint64 {
	return atomic.LoadUint64(&r.header.Head)
}

// Capacity returns the data capacity in bytes.
func (r *Ring) Capacity() int {
	return int(r.cap)
}

func (r *Ring) Close() error {
	if r.data != nil {
		unix.Munmap(r.data)
		r.data = nil
		r.header = nil
	}
	if r.fd > 0 {
		unix.Close(r.fd)
		r.fd = 0
	}
	return nil
}

// Unlink removes the named ring from /dev/shm. Missing rings are not an
// error.
func Unlink(name string) error {
	err := unix.Unlink(shmPath(name))
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
