// Package wire defines the binary framing used on the audio egress TCP
// stream. Every frame is a fixed 16-byte big-endian header followed by the
// encoded payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// AudioMagic opens every frame header ("RXAU").
	AudioMagic uint32 = 0x52584155

	// AudioHeaderSize is the fixed header length in bytes.
	AudioHeaderSize = 16

	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = 1<<16 - 1
)

var (
	ErrBadMagic    = errors.New("wire: bad audio frame magic")
	ErrShortHeader = errors.New("wire: short audio frame header")
)

// AudioFrameHeader precedes each encoded audio frame. Sequence numbers
// increase by 1 per frame per connection; receivers treat gaps as loss,
// not as a protocol error.
type AudioFrameHeader struct {
	Seq        uint32
	SampleRate uint32
	Channels   uint16
	PayloadLen uint16
}

// PutAudioFrameHeader marshals h into dst, which must hold at least
// AudioHeaderSize bytes.
func PutAudioFrameHeader(dst []byte, h AudioFrameHeader) {
	binary.BigEndian.PutUint32(dst[0:4], AudioMagic)
	binary.BigEndian.PutUint32(dst[4:8], h.Seq)
	binary.BigEndian.PutUint32(dst[8:12], h.SampleRate)
	binary.BigEndian.PutUint16(dst[12:14], h.Channels)
	binary.BigEndian.PutUint16(dst[14:16], h.PayloadLen)
}

// ParseAudioFrameHeader decodes and validates a header from b.
func ParseAudioFrameHeader(b []byte) (AudioFrameHeader, error) {
	if len(b) < AudioHeaderSize {
		return AudioFrameHeader{}, ErrShortHeader
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != AudioMagic {
		return AudioFrameHeader{}, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}
	return AudioFrameHeader{
		Seq:        binary.BigEndian.Uint32(b[4:8]),
		SampleRate: binary.BigEndian.Uint32(b[8:12]),
		Channels:   binary.BigEndian.Uint16(b[12:14]),
		PayloadLen: binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

// WriteAudioFrame writes one header-plus-payload frame to w. The header's
// PayloadLen is set from the payload.
func WriteAudioFrame(w io.Writer, h AudioFrameHeader, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: payload of %d bytes exceeds frame limit %d", len(payload), MaxPayload)
	}
	h.PayloadLen = uint16(len(payload))
	var hdr [AudioHeaderSize]byte
	PutAudioFrameHeader(hdr[:], h)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadAudioFrame reads one frame from r, returning the header and the
// payload slice (backed by payloadBuf, which is grown as needed).
func ReadAudioFrame(r io.Reader, payloadBuf []byte) (AudioFrameHeader, []byte, error) {
	var hdr [AudioHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return AudioFrameHeader{}, nil, err
	}
	h, err := ParseAudioFrameHeader(hdr[:])
	if err != nil {
		return AudioFrameHeader{}, nil, err
	}
	if cap(payloadBuf) < int(h.PayloadLen) {
		payloadBuf = make([]byte, h.PayloadLen)
	}
	payload := payloadBuf[:h.PayloadLen]
	if _, err := io.ReadFull(r, payload); err != nil {
		return AudioFrameHeader{}, nil, fmt.Errorf("wire: truncated payload: %w", err)
	}
	return h, payload, nil
}
