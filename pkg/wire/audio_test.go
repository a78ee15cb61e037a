package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		bytes.Repeat([]byte{0xab}, 960),
	}
	for i, p := range payloads {
		h := AudioFrameHeader{Seq: uint32(i), SampleRate: 48000, Channels: 1}
		if err := WriteAudioFrame(&buf, h, p); err != nil {
			t.Fatalf("WriteAudioFrame: %v", err)
		}
	}

	var scratch []byte
	for i, want := range payloads {
		h, payload, err := ReadAudioFrame(&buf, scratch)
		if err != nil {
			t.Fatalf("ReadAudioFrame %d: %v", i, err)
		}
		if h.Seq != uint32(i) || h.SampleRate != 48000 || h.Channels != 1 {
			t.Errorf("frame %d header = %+v", i, h)
		}
		if !bytes.Equal(payload, want) {
			t.Errorf("frame %d payload mismatch (%d bytes)", i, len(payload))
		}
		scratch = payload[:0]
	}
	if _, _, err := ReadAudioFrame(&buf, scratch); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	b := make([]byte, AudioHeaderSize)
	PutAudioFrameHeader(b, AudioFrameHeader{Seq: 7})
	b[0] ^= 0xff
	if _, err := ParseAudioFrameHeader(b); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestParseRejectsShortHeader(t *testing.T) {
	if _, err := ParseAudioFrameHeader(make([]byte, AudioHeaderSize-1)); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	err := WriteAudioFrame(io.Discard, AudioFrameHeader{}, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAudioFrame(&buf, AudioFrameHeader{Seq: 1}, make([]byte, 100)); err != nil {
		t.Fatalf("WriteAudioFrame: %v", err)
	}
	trunc := bytes.NewReader(buf.Bytes()[:AudioHeaderSize+40])
	if _, _, err := ReadAudioFrame(trunc, nil); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
