package shmring

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func testRing(t *testing.T, capacity int) (*Ring, string) {
	t.Helper()
	name := fmt.Sprintf("rxmon-test-%d-%s", os.Getpid(), t.Name())
	r, err := Create(name, capacity)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		Unlink(name)
	})
	return r, name
}

func TestWriteThenRead(t *testing.T) {
	r, name := testRing(t, 64)

	msg := []byte("the quick brown fox")
	if _, err := r.Write(msg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	buf := make([]byte, 64)
	n, tail, dropped, err := reader.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(msg))
	}
	if tail != uint64(len(msg)) {
		t.Errorf("new tail = %d, want %d", tail, len(msg))
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("read %q, want %q", buf[:n], msg)
	}
}

func TestOverwriteDropsOldest(t *testing.T) {
	r, _ := testRing(t, 16)

	// 24 bytes into a 16-byte ring: the first 8 are gone
	seq := make([]byte, 24)
	for i := range seq {
		seq[i] = byte(i)
	}
	if _, err := r.Write(seq[:10]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := r.Write(seq[10:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if r.Head() != 24 {
		t.Fatalf("head = %d, want 24", r.Head())
	}

	buf := make([]byte, 32)
	n, tail, dropped, err := r.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
	if n != 16 {
		t.Fatalf("read %d bytes, want 16", n)
	}
	if tail != 24 {
		t.Errorf("new tail = %d, want 24", tail)
	}
	if !bytes.Equal(buf[:n], seq[8:]) {
		t.Errorf("read %v, want %v", buf[:n], seq[8:])
	}
}

func TestWrapSequence(t *testing.T) {
	r, _ := testRing(t, 16)

	var tail uint64
	var seq byte
	buf := make([]byte, 16)
	for round := 0; round < 20; round++ {
		chunk := make([]byte, 7)
		for i := range chunk {
			chunk[i] = seq
			seq++
		}
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		n, newTail, dropped, err := r.ReadAt(tail, buf)
		if err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if dropped != 0 {
			t.Fatalf("round %d: dropped %d bytes with a keeping-up reader", round, dropped)
		}
		want := seq - byte(n)
		for i := 0; i < n; i++ {
			if buf[i] != want+byte(i) {
				t.Fatalf("round %d: byte %d = %d, want %d", round, i, buf[i], want+byte(i))
			}
		}
		tail = newTail
	}
}

func TestTailAheadResyncs(t *testing.T) {
	r, _ := testRing(t, 16)
	if _, err := r.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 8)
	n, tail, dropped, err := r.ReadAt(1000, buf)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != 0 || dropped != 0 {
		t.Errorf("stale tail read n=%d dropped=%d, want zeros", n, dropped)
	}
	if tail != 3 {
		t.Errorf("resynced tail = %d, want 3", tail)
	}
}

func TestWriteTooLarge(t *testing.T) {
	r, _ := testRing(t, 16)
	if _, err := r.Write(make([]byte, 17)); err == nil {
		t.Error("Expected error for a write larger than the ring")
	}
}

func TestRadioState(t *testing.T) {
	r, name := testRing(t, 16)
	r.SetRadioState(2e6, 100e6)

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	fs, cf := reader.RadioState()
	if fs != 2e6 || cf != 100e6 {
		t.Errorf("RadioState = (%g, %g), want (2e6, 100e6)", fs, cf)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	r, name := testRing(t, 16)
	r.header.Magic = 0xdead
	if _, err := Open(name); err == nil {
		t.Error("Expected error for corrupted magic")
	}
	r.header.Magic = MagicValue
}
