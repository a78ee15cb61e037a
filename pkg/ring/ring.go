// Package ring implements the byte ring buffer that carries raw I/Q from
// the receive callback to the processing goroutines. One writer and one
// reader per buffer; every operation is non-blocking and callers poll
// Available to pace themselves.
package ring

import (
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity byte queue. Head and tail are unbounded
// counters; they are reduced modulo the capacity only at the point of the
// memory copy, so available() is always head-tail with no wrap bookkeeping.
type Buffer struct {
	mu     sync.Mutex
	buf    []byte
	head   uint64 // total bytes written
	tail   uint64 // total bytes read
	closed bool
}

func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	return &Buffer{buf: make([]byte, capacity)}, nil
}

// Write copies as much of p as fits and returns the number of bytes
// accepted. It never blocks waiting for space; samples that do not fit are
// the caller's loss to count.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	free := len(b.buf) - int(b.head-b.tail)
	n := len(p)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	off := int(b.head % uint64(len(b.buf)))
	c := copy(b.buf[off:], p[:n])
	if c < n {
		copy(b.buf, p[c:n])
	}
	b.head += uint64(n)
	return n
}

// Read copies up to len(p) buffered bytes into p and returns how many were
// copied. It never blocks waiting for data.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	avail := int(b.head - b.tail)
	n := len(p)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	off := int(b.tail % uint64(len(b.buf)))
	c := copy(p[:n], b.buf[off:])
	if c < n {
		copy(p[c:n], b.buf)
	}
	b.tail += uint64(n)
	return n
}

// Discard drops up to n buffered bytes without copying them out and
// returns how many were dropped. The audio path uses it to shed backlog.
func (b *Buffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	avail := int(b.head - b.tail)
	if n > avail {
		n = avail
	}
	if n < 0 {
		n = 0
	}
	b.tail += uint64(n)
	return n
}

func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.head - b.tail)
}

func (b *Buffer) Capacity() int {
	return len(b.buf)
}

// Reset empties the buffer and zeroes its contents so stale RF data does
// not persist across acquisition sessions.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zeroLocked()
}

// Close zeroes and permanently disables the buffer. Subsequent writes and
// reads return 0.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zeroLocked()
	b.closed = true
}

func (b *Buffer) zeroLocked() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.head = 0
	b.tail = 0
}
