package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/rxmon/pkg/logging"
	"github.com/rxmon/pkg/wire"
)

const (
	egressDialTimeout  = 2 * time.Second
	egressRedialDelay  = 2 * time.Second
	egressWriteTimeout = 1 * time.Second
	egressKeepAlive    = 15 * time.Second
	egressQueueDepth   = 32

	// one wire frame carries 20 ms of PCM, the native Opus frame size
	egressFrameMs = 20
)

// AudioCodec selects the egress payload encoding.
type AudioCodec string

const (
	CodecOpus AudioCodec = "opus"
	CodecPCM  AudioCodec = "pcm"
)

func ParseAudioCodec(s string) (AudioCodec, error) {
	switch s {
	case "", string(CodecOpus):
		return CodecOpus, nil
	case string(CodecPCM):
		return CodecPCM, nil
	}
	return "", fmt.Errorf("unknown audio codec %q", s)
}

// EgressStatus is a point-in-time snapshot for the status heartbeat.
type EgressStatus struct {
	Connected     bool
	Sink          string
	Codec         string
	FramesSent    uint64
	FramesDropped uint64
}

// AudioEgress streams framed PCM or Opus to a remote sink over TCP. It
// dials out, redials on a fixed backoff, and drops frames while the sink
// is unreachable; audio is best-effort and never backpressures the DSP.
type AudioEgress struct {
	log   *logging.Logger
	sink  string
	codec AudioCodec

	frames   chan []int16
	wantRate atomic.Int64

	// owned by the Run goroutine
	conn   net.Conn
	enc    *opus.Encoder
	encOK  bool
	rate   int
	seq    uint32
	pcmBuf []int16
	pktBuf []byte
	outBuf []byte

	stateMu       sync.RWMutex
	connected     bool
	activeCodec   AudioCodec
	framesSent    uint64
	framesDropped uint64
}

func NewAudioEgress(sink string, codec AudioCodec, log *logging.Logger) *AudioEgress {
	e := &AudioEgress{
		log:         log.With("component", "egress"),
		sink:        sink,
		codec:       codec,
		frames:      make(chan []int16, egressQueueDepth),
		pktBuf:      make([]byte, 4000),
		activeCodec: codec,
	}
	e.wantRate.Store(48000)
	return e
}

// SetSampleRate tells the egress what PCM rate the demodulator produces.
// The encoder is rebuilt on the egress goroutine before the next frame.
func (e *AudioEgress) SetSampleRate(rate int) {
	e.wantRate.Store(int64(rate))
}

// Write queues one PCM chunk. It never blocks: while the sink is down or
// the queue is full the chunk is counted as dropped and forgotten.
func (e *AudioEgress) Write(pcm []int16) {
	e.stateMu.RLock()
	up := e.connected
	e.stateMu.RUnlock()
	if !up {
		e.drop(1)
		return
	}
	buf := make([]int16, len(pcm))
	copy(buf, pcm)
	select {
	case e.frames <- buf:
	default:
		e.drop(1)
	}
}

func (e *AudioEgress) drop(n uint64) {
	e.stateMu.Lock()
	e.framesDropped += n
	e.stateMu.Unlock()
}

func (e *AudioEgress) Status() EgressStatus {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return EgressStatus{
		Connected:     e.connected,
		Sink:          e.sink,
		Codec:         string(e.activeCodec),
		FramesSent:    e.framesSent,
		FramesDropped: e.framesDropped,
	}
}

// Run maintains the sink connection and drains the frame queue until the
// context ends.
func (e *AudioEgress) Run(ctx context.Context) error {
	defer e.closeConn()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.conn == nil {
			if err := e.dial(); err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(egressRedialDelay):
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm := <-e.frames:
			e.syncRate()
			e.pcmBuf = append(e.pcmBuf, pcm...)
			e.flushFrames()
		}
	}
}

func (e *AudioEgress) dial() error {
	d := net.Dialer{Timeout: egressDialTimeout, KeepAlive: egressKeepAlive}
	conn, err := d.Dial("tcp", e.sink)
	if err != nil {
		return err
	}
	e.conn = conn
	e.seq = 0
	e.pcmBuf = e.pcmBuf[:0]
	// whatever queued up while down is stale now
	for {
		select {
		case <-e.frames:
		default:
			e.setConnected(true)
			e.log.Infof("audio sink connected: %s", e.sink)
			return nil
		}
	}
}

func (e *AudioEgress) closeConn() {
	if e.conn == nil {
		return
	}
	e.conn.Close()
	e.conn = nil
	e.setConnected(false)
	e.log.Warnf("audio sink disconnected: %s", e.sink)
}

func (e *AudioEgress) setConnected(up bool) {
	e.stateMu.Lock()
	e.connected = up
	e.stateMu.Unlock()
}

// syncRate rebuilds the encoder when the demodulator's PCM rate changed.
// Opus only accepts its native rates; anything else falls back to raw PCM
// frames so the stream keeps flowing.
func (e *AudioEgress) syncRate() {
	rate := int(e.wantRate.Load())
	if rate == e.rate {
		return
	}
	e.rate = rate
	e.pcmBuf = e.pcmBuf[:0]
	e.enc = nil
	e.encOK = false
	active := CodecPCM
	if e.codec == CodecOpus {
		enc, err := opus.NewEncoder(rate, 1, opus.AppAudio)
		if err != nil {
			e.log.Warnf("opus rejects %d Hz, sending raw pcm: %v", rate, err)
		} else {
			e.enc = enc
			e.encOK = true
			active = CodecOpus
		}
	}
	e.stateMu.Lock()
	e.activeCodec = active
	e.stateMu.Unlock()
}

// flushFrames sends every complete frame buffered so far.
func (e *AudioEgress) flushFrames() {
	spf := e.rate * egressFrameMs / 1000
	if spf <= 0 {
		return
	}
	sent := 0
	for len(e.pcmBuf)-sent >= spf {
		if err := e.sendFrame(e.pcmBuf[sent : sent+spf]); err != nil {
			e.log.Warnf("audio sink write: %v", err)
			e.closeConn()
			e.pcmBuf = e.pcmBuf[:0]
			return
		}
		sent += spf
	}
	if sent > 0 {
		n := copy(e.pcmBuf, e.pcmBuf[sent:])
		e.pcmBuf = e.pcmBuf[:n]
	}
}

func (e *AudioEgress) sendFrame(pcm []int16) error {
	var payload []byte
	if e.encOK {
		n, err := e.enc.Encode(pcm, e.pktBuf)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		payload = e.pktBuf[:n]
	} else {
		if cap(e.outBuf) < 2*len(pcm) {
			e.outBuf = make([]byte, 2*len(pcm))
		}
		payload = e.outBuf[:2*len(pcm)]
		for i, s := range pcm {
			binary.BigEndian.PutUint16(payload[2*i:], uint16(s))
		}
	}
	hdr := wire.AudioFrameHeader{
		Seq:        e.seq,
		SampleRate: uint32(e.rate),
		Channels:   1,
	}
	e.conn.SetWriteDeadline(time.Now().Add(egressWriteTimeout))
	if err := wire.WriteAudioFrame(e.conn, hdr, payload); err != nil {
		return err
	}
	e.seq++
	e.stateMu.Lock()
	e.framesSent++
	e.stateMu.Unlock()
	return nil
}
