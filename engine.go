package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rxmon/pkg/logging"
	"github.com/rxmon/pkg/ring"
	"github.com/rxmon/pkg/shmring"
)

// ControllerState tracks where the acquisition loop is in its cycle.
type ControllerState int

const (
	StateIdle ControllerState = iota
	StateConfiguring
	StateAcquiring
	StateProcessing
	StateRecovering
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateAcquiring:
		return "acquiring"
	case StateProcessing:
		return "processing"
	case StateRecovering:
		return "recovering"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Publisher is where the engine sends its outbound messages. The
// WebSocket server implements it; tests plug in a recorder.
type Publisher interface {
	PublishPSD(msg *PSDMessage)
	PublishStatus(msg *StatusMessage)
	PublishError(msg string)
}

// PSDMessage is one published sweep.
type PSDMessage struct {
	Type         string    `json:"type"`
	TimestampMs  int64     `json:"timestamp_ms"`
	CenterFreqHz float64   `json:"center_freq_hz"`
	SampleRateHz float64   `json:"sample_rate_hz"`
	StartFreqHz  float64   `json:"start_freq_hz"`
	EndFreqHz    float64   `json:"end_freq_hz"`
	BinCount     int       `json:"bin_count"`
	Method       string    `json:"method"`
	Scale        string    `json:"scale"`
	Pxx          []float64 `json:"Pxx"`
}

// StatusMessage is the 1 Hz heartbeat.
type StatusMessage struct {
	Type           string          `json:"type"`
	TimestampMs    int64           `json:"timestamp_ms"`
	State          string          `json:"state"`
	Device         string          `json:"device"`
	UptimeS        float64         `json:"uptime_s"`
	Config         *CommandDoc     `json:"config,omitempty"`
	BytesReceived  uint64          `json:"bytes_received"`
	RingFill       float64         `json:"ring_fill"`
	RingDropBytes  uint64          `json:"ring_drop_bytes"`
	AudioDropBytes uint64          `json:"audio_drop_bytes"`
	Sweeps         uint64          `json:"sweeps"`
	CycleErrors    uint64          `json:"cycle_errors"`
	LastError      string          `json:"last_error,omitempty"`
	Audio          *AudioStatus    `json:"audio,omitempty"`
	Recording      *RecorderStatus `json:"recording,omitempty"`
	Campaign       *CampaignStatus `json:"campaign,omitempty"`
	System         *SystemStatus   `json:"system,omitempty"`
}

// ErrorMessage reports a rejected command or a runtime fault to clients.
type ErrorMessage struct {
	Type        string `json:"type"`
	TimestampMs int64  `json:"timestamp_ms"`
	Message     string `json:"message"`
}

// Engine ties the rings, the device, and the outbound surfaces together.
// It owns the shared counters and the status snapshot; the controller and
// audio pipeline run against it.
type Engine struct {
	log *logging.Logger
	dev Receiver
	pub Publisher

	ring      *ring.Buffer
	audioRing *ring.Buffer
	tap       *shmring.Ring // nil when the shm flag is off
	iqrec     *IQRecorder   // nil when raw capture is disabled

	commands chan *CommandDoc

	bytesIn        atomic.Uint64
	ringDropBytes  atomic.Uint64
	audioDropBytes atomic.Uint64
	sweeps         atomic.Uint64
	cycleErrors    atomic.Uint64
	audioActive    atomic.Bool

	mu        sync.RWMutex
	state     ControllerState
	applied   *EngineConfig
	lastError string
	campaign  *CampaignRecorder

	audioMetrics AudioMetricsFunc

	startedAt time.Time
}

// AudioMetricsFunc lets the audio pipeline expose its demodulator
// telemetry without the engine holding the demodulator.
type AudioMetricsFunc func() *AudioStatus

// SetPublisher wires the outbound message sink. Must be called before the
// engine loops start.
func (e *Engine) SetPublisher(pub Publisher) {
	e.pub = pub
}

// SetIQRecorder attaches the raw capture stage. Must be called before
// streaming starts.
func (e *Engine) SetIQRecorder(rec *IQRecorder) {
	e.iqrec = rec
}

// IQRecorder returns the raw capture stage, nil when disabled.
func (e *Engine) IQRecorder() *IQRecorder {
	return e.iqrec
}

func NewEngine(log *logging.Logger, dev Receiver, pub Publisher, mainRing, audioRing *ring.Buffer, tap *shmring.Ring) *Engine {
	return &Engine{
		log:       log.With("component", "engine"),
		dev:       dev,
		pub:       pub,
		ring:      mainRing,
		audioRing: audioRing,
		tap:       tap,
		commands:  make(chan *CommandDoc, 1),
		startedAt: time.Now(),
	}
}

// deliver is the receive callback. It runs on the device layer's thread:
// copy into the rings, count, return. Never blocks, never fails the
// stream.
func (e *Engine) deliver(p []byte) error {
	e.bytesIn.Add(uint64(len(p)))
	if n := e.ring.Write(p); n < len(p) {
		e.ringDropBytes.Add(uint64(len(p) - n))
	}
	if e.audioActive.Load() {
		if n := e.audioRing.Write(p); n < len(p) {
			e.audioDropBytes.Add(uint64(len(p) - n))
		}
	}
	if e.tap != nil {
		e.tap.Write(p)
	}
	if rec := e.iqrec; rec != nil {
		rec.Feed(p)
	}
	return nil
}

// SubmitCommandDoc queues a command for the controller. When a command is
// already waiting the newest one replaces it; intermediate configurations
// the controller never saw are not worth applying.
func (e *Engine) SubmitCommandDoc(doc *CommandDoc) {
	for {
		select {
		case e.commands <- doc:
			return
		default:
		}
		select {
		case <-e.commands:
		default:
		}
	}
}

func (e *Engine) setState(s ControllerState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) State() ControllerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setApplied(cfg *EngineConfig) {
	e.mu.Lock()
	e.applied = cfg
	e.mu.Unlock()
}

func (e *Engine) appliedConfig() *EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.applied
}

// reportError logs a fault, stores it for status, and pushes it to
// clients. Faults never terminate the process.
func (e *Engine) reportError(scope string, err error) {
	msg := fmt.Sprintf("%s: %v", scope, err)
	e.log.Errorf("%s", msg)
	e.mu.Lock()
	e.lastError = msg
	e.mu.Unlock()
	if e.pub != nil {
		e.pub.PublishError(msg)
	}
}

func (e *Engine) setCampaign(rec *CampaignRecorder) {
	e.mu.Lock()
	e.campaign = rec
	e.mu.Unlock()
}

func (e *Engine) campaignRecorder() *CampaignRecorder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.campaign
}

// Status assembles a point-in-time snapshot.
func (e *Engine) Status() *StatusMessage {
	e.mu.RLock()
	state := e.state
	applied := e.applied
	lastErr := e.lastError
	metrics := e.audioMetrics
	campaign := e.campaign
	e.mu.RUnlock()

	msg := &StatusMessage{
		Type:           "status",
		TimestampMs:    time.Now().UnixMilli(),
		State:          state.String(),
		Device:         e.dev.Name(),
		UptimeS:        time.Since(e.startedAt).Seconds(),
		BytesReceived:  e.bytesIn.Load(),
		RingFill:       float64(e.ring.Available()) / float64(e.ring.Capacity()),
		RingDropBytes:  e.ringDropBytes.Load(),
		AudioDropBytes: e.audioDropBytes.Load(),
		Sweeps:         e.sweeps.Load(),
		CycleErrors:    e.cycleErrors.Load(),
		LastError:      lastErr,
		System:         CollectSystemStatus(),
	}
	if applied != nil {
		doc := applied.Document()
		msg.Config = &doc
	}
	if metrics != nil {
		msg.Audio = metrics()
	}
	if rec := e.iqrec; rec != nil {
		msg.Recording = rec.Status()
	}
	if campaign != nil {
		msg.Campaign = campaign.Status()
	}
	return msg
}

// SetAudioMetrics installs the audio pipeline's telemetry callback.
func (e *Engine) SetAudioMetrics(fn AudioMetricsFunc) {
	e.mu.Lock()
	e.audioMetrics = fn
	e.mu.Unlock()
}

// RunStatusLoop publishes the heartbeat until the context ends.
func (e *Engine) RunStatusLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.pub != nil {
				e.pub.PublishStatus(e.Status())
			}
		}
	}
}
