package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/rxmon/pkg/logging"
	"github.com/rxmon/pkg/ring"
)

const (
	iqRecRingBytes = 8 << 20
	iqRecChunk     = 256 << 10
	iqRecPoll      = 50 * time.Millisecond
)

// RecorderStatus is the raw-capture block of the status heartbeat.
type RecorderStatus struct {
	Active       bool   `json:"active"`
	Path         string `json:"path,omitempty"`
	BytesWritten uint64 `json:"bytes_written"`
	DroppedBytes uint64 `json:"dropped_bytes"`
	StartedMs    int64  `json:"started_ms,omitempty"`
}

type iqSidecar struct {
	SessionID    string     `json:"session_id"`
	StartedMs    int64      `json:"started_ms"`
	CenterFreqHz float64    `json:"center_freq_hz"`
	SampleRateHz float64    `json:"sample_rate_hz"`
	Format       string     `json:"format"`
	Config       CommandDoc `json:"config"`
}

// IQRecorder captures the raw 8-bit I/Q stream to a zstd-compressed file
// with a JSON sidecar describing the tuning. Feed runs on the device
// callback thread and only stages bytes; a drain goroutine owns the file.
type IQRecorder struct {
	log     *logging.Logger
	dataDir string

	active  atomic.Bool
	ring    *ring.Buffer
	written atomic.Uint64
	dropped atomic.Uint64

	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	path      string
	startedMs int64
}

func NewIQRecorder(dataDir string, log *logging.Logger) (*IQRecorder, error) {
	buf, err := ring.New(iqRecRingBytes)
	if err != nil {
		return nil, err
	}
	return &IQRecorder{
		log:     log.With("component", "iqrec"),
		dataDir: dataDir,
		ring:    buf,
	}, nil
}

// Feed stages bytes for the active session. Never blocks; overflow is
// counted and lost.
func (r *IQRecorder) Feed(b []byte) {
	if !r.active.Load() {
		return
	}
	if n := r.ring.Write(b); n < len(b) {
		r.dropped.Add(uint64(len(b) - n))
	}
}

// Start opens a new capture session under the given configuration.
func (r *IQRecorder) Start(cfg *EngineConfig) error {
	if cfg == nil {
		return errors.New("no configuration applied yet")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return errors.New("iq recording already active")
	}
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return fmt.Errorf("iq data dir: %w", err)
	}
	id := uuid.NewString()
	stamp := time.Now().UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("iq_%s_%s", stamp, id[:8])
	path := filepath.Join(r.dataDir, base+".iq.zst")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("iq file: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}

	side := iqSidecar{
		SessionID:    id,
		StartedMs:    time.Now().UnixMilli(),
		CenterFreqHz: cfg.Hardware.CenterFreqHz,
		SampleRateHz: cfg.Hardware.SampleRateHz,
		Format:       "iq8",
		Config:       cfg.Document(),
	}
	sideJSON, _ := json.MarshalIndent(side, "", "  ")
	if err := os.WriteFile(filepath.Join(r.dataDir, base+".json"), sideJSON, 0o644); err != nil {
		zw.Close()
		f.Close()
		return fmt.Errorf("iq sidecar: %w", err)
	}

	r.ring.Reset()
	r.written.Store(0)
	r.dropped.Store(0)
	r.path = path
	r.startedMs = side.StartedMs
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.drain(f, zw, r.stopCh, r.doneCh)
	r.active.Store(true)
	r.log.Infof("iq capture %s started: %s", id[:8], path)
	return nil
}

// Stop ends the active session and waits for the file to be flushed.
func (r *IQRecorder) Stop() error {
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return errors.New("no iq recording active")
	}
	stop, done := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.active.Store(false)
	r.mu.Unlock()
	close(stop)
	<-done
	r.log.Infof("iq capture stopped after %d bytes", r.written.Load())
	return nil
}

// drain moves staged bytes into the compressed file until stopped. A
// write fault keeps the loop draining so the ring never jams, but the
// session stops growing.
func (r *IQRecorder) drain(f *os.File, zw *zstd.Encoder, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, iqRecChunk)
	failed := false

	writeOut := func(n int) {
		if failed || n == 0 {
			return
		}
		if _, err := zw.Write(buf[:n]); err != nil {
			r.log.Errorf("iq write failed, capture truncated: %v", err)
			failed = true
			return
		}
		r.written.Add(uint64(n))
	}

	for {
		select {
		case <-stop:
			for r.ring.Available() > 0 {
				writeOut(r.ring.Read(buf))
			}
			if err := zw.Close(); err != nil && !failed {
				r.log.Errorf("iq flush: %v", err)
			}
			if err := f.Close(); err != nil {
				r.log.Errorf("iq close: %v", err)
			}
			return
		default:
		}
		if r.ring.Available() >= iqRecChunk {
			writeOut(r.ring.Read(buf))
		} else {
			time.Sleep(iqRecPoll)
		}
	}
}

func (r *IQRecorder) Status() *RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RecorderStatus{
		Active:       r.active.Load(),
		Path:         r.path,
		BytesWritten: r.written.Load(),
		DroppedBytes: r.dropped.Load(),
		StartedMs:    r.startedMs,
	}
}
