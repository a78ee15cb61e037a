package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rxmon/pkg/logging"
	"github.com/rxmon/pkg/ring"
)

// fakeReceiver counts HAL calls and lets the test own the sample stream.
type fakeReceiver struct {
	opens     atomic.Int32
	closes    atomic.Int32
	applies   atomic.Int32
	starts    atomic.Int32
	stops     atomic.Int32
	openFails atomic.Int32 // remaining Opens that should fail

	mu sync.Mutex
	cb func([]byte) error
}

func (f *fakeReceiver) Open() error {
	if f.openFails.Load() > 0 {
		f.openFails.Add(-1)
		return errors.New("no device")
	}
	f.opens.Add(1)
	return nil
}

func (f *fakeReceiver) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeReceiver) ApplyConfig(hw HardwareConfig) error {
	f.applies.Add(1)
	return nil
}

func (f *fakeReceiver) StartRX(cb func([]byte) error) error {
	f.starts.Add(1)
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiver) StopRX() error {
	f.stops.Add(1)
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiver) Name() string { return "fake" }

func (f *fakeReceiver) callback() func([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

// capturePublisher records everything the engine pushes out.
type capturePublisher struct {
	mu       sync.Mutex
	psds     []*PSDMessage
	statuses []*StatusMessage
	errs     []string
}

func (p *capturePublisher) PublishPSD(msg *PSDMessage) {
	p.mu.Lock()
	p.psds = append(p.psds, msg)
	p.mu.Unlock()
}

func (p *capturePublisher) PublishStatus(msg *StatusMessage) {
	p.mu.Lock()
	p.statuses = append(p.statuses, msg)
	p.mu.Unlock()
}

func (p *capturePublisher) PublishError(detail string) {
	p.mu.Lock()
	p.errs = append(p.errs, detail)
	p.mu.Unlock()
}

func (p *capturePublisher) psdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.psds)
}

func (p *capturePublisher) lastPSD() *PSDMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.psds) == 0 {
		return nil
	}
	return p.psds[len(p.psds)-1]
}

func (p *capturePublisher) errCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.errs)
}

type ctrlHarness struct {
	dev  *fakeReceiver
	pub  *capturePublisher
	eng  *Engine
	ctrl *Controller
}

func newCtrlHarness(t *testing.T) *ctrlHarness {
	t.Helper()
	dev := &fakeReceiver{}
	pub := &capturePublisher{}
	mainRing, err := ring.New(1 << 20)
	if err != nil {
		t.Fatalf("Failed to create main ring: %v", err)
	}
	audioRing, err := ring.New(1 << 18)
	if err != nil {
		t.Fatalf("Failed to create audio ring: %v", err)
	}
	var log *logging.Logger
	eng := NewEngine(log, dev, pub, mainRing, audioRing, nil)
	ctrl := NewController(eng, nil, t.TempDir())
	ctrl.fillTimeout = 300 * time.Millisecond
	ctrl.pollInterval = 2 * time.Millisecond
	ctrl.reopenDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &ctrlHarness{dev: dev, pub: pub, eng: eng, ctrl: ctrl}
}

// feed pumps synthetic samples through the receive callback whenever
// streaming is active, imitating the device's own thread.
func (h *ctrlHarness) feed(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for i := range buf {
			buf[i] = byte(i*7 + 3)
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			if cb := h.dev.callback(); cb != nil {
				cb(buf)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// quickDoc is a small configuration that fills fast from the fake feeder.
func quickDoc(center float64) *CommandDoc {
	return &CommandDoc{
		CenterFreqHz:     ptr(center),
		SampleRateHz:     ptr(1e6),
		IntegrationTimeS: ptr(0.01),
	}
}

func TestControllerFirstCommandProducesPSD(t *testing.T) {
	h := newCtrlHarness(t)
	h.feed(t)

	h.eng.SubmitCommandDoc(quickDoc(100e6))

	waitFor(t, "hardware applied", 2*time.Second, func() bool {
		return h.dev.applies.Load() == 1 && h.dev.starts.Load() == 1
	})
	waitFor(t, "first PSD", 5*time.Second, func() bool {
		return h.pub.psdCount() >= 1
	})

	msg := h.pub.lastPSD()
	if msg.CenterFreqHz != 100e6 {
		t.Errorf("Expected center 100 MHz, got %g", msg.CenterFreqHz)
	}
	if msg.BinCount != len(msg.Pxx) {
		t.Errorf("BinCount %d does not match Pxx length %d", msg.BinCount, len(msg.Pxx))
	}
	if msg.BinCount != 1024 {
		t.Errorf("Expected 1024 bins for the default RBW, got %d", msg.BinCount)
	}
	if msg.StartFreqHz >= msg.CenterFreqHz || msg.EndFreqHz <= msg.CenterFreqHz {
		t.Errorf("Axis [%g, %g] does not bracket center %g",
			msg.StartFreqHz, msg.EndFreqHz, msg.CenterFreqHz)
	}
	if msg.Method != "welch" || msg.Scale != "dbm" {
		t.Errorf("Expected welch/dbm, got %s/%s", msg.Method, msg.Scale)
	}
}

func TestControllerSkipsRetuneOnIdenticalConfig(t *testing.T) {
	h := newCtrlHarness(t)
	h.feed(t)

	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "first apply", 2*time.Second, func() bool {
		return h.dev.applies.Load() == 1
	})
	first := h.eng.appliedConfig()

	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "second resolve", 2*time.Second, func() bool {
		return h.eng.appliedConfig() != first
	})

	if got := h.dev.applies.Load(); got != 1 {
		t.Errorf("Identical config retuned the hardware: %d applies", got)
	}
	if got := h.dev.stops.Load(); got != 0 {
		t.Errorf("Identical config stopped streaming: %d stops", got)
	}
	if got := h.dev.starts.Load(); got != 1 {
		t.Errorf("Identical config restarted streaming: %d starts", got)
	}
}

func TestControllerRetunesOnChange(t *testing.T) {
	h := newCtrlHarness(t)
	h.feed(t)

	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "first apply", 2*time.Second, func() bool {
		return h.dev.applies.Load() == 1
	})

	h.eng.SubmitCommandDoc(quickDoc(433.92e6))
	waitFor(t, "retune", 2*time.Second, func() bool {
		return h.dev.applies.Load() == 2
	})

	if got := h.dev.stops.Load(); got != 1 {
		t.Errorf("Expected 1 stop around the retune, got %d", got)
	}
	if got := h.dev.starts.Load(); got != 2 {
		t.Errorf("Expected 2 starts, got %d", got)
	}
	if got := h.dev.opens.Load(); got != 1 {
		t.Errorf("Retune should reuse the open handle, got %d opens", got)
	}
}

func TestControllerRecoversAfterFillTimeout(t *testing.T) {
	h := newCtrlHarness(t)
	h.ctrl.fillTimeout = 50 * time.Millisecond
	// no feeder: the ring never fills and the fill timeout must trip

	h.eng.SubmitCommandDoc(quickDoc(100e6))

	waitFor(t, "recovery reopen", 3*time.Second, func() bool {
		return h.dev.opens.Load() >= 2 && h.dev.applies.Load() >= 2
	})
	if h.dev.closes.Load() < 1 {
		t.Error("Recovery never closed the stalled device")
	}
	if h.dev.starts.Load() < 2 {
		t.Error("Recovery never restarted streaming")
	}
}

func TestControllerReportsPersistentRecoveryFailure(t *testing.T) {
	h := newCtrlHarness(t)
	h.ctrl.fillTimeout = 50 * time.Millisecond

	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "initial start", 2*time.Second, func() bool {
		return h.dev.starts.Load() == 1
	})

	// every reopen from now on fails
	h.dev.openFails.Store(1 << 20)

	waitFor(t, "recovery failure report", 3*time.Second, func() bool {
		return h.pub.errCount() >= 1
	})
	if h.eng.State() != StateRecovering {
		t.Errorf("Expected recovering state, got %v", h.eng.State())
	}
}

func TestControllerRejectsBadCommandKeepsRunning(t *testing.T) {
	h := newCtrlHarness(t)
	h.feed(t)

	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "first apply", 2*time.Second, func() bool {
		return h.dev.applies.Load() == 1
	})
	applied := h.eng.appliedConfig()

	h.eng.SubmitCommandDoc(&CommandDoc{SampleRateHz: ptr(30e6)})
	waitFor(t, "rejection", 2*time.Second, func() bool {
		return h.pub.errCount() >= 1
	})

	if h.eng.appliedConfig() != applied {
		t.Error("Rejected command replaced the applied configuration")
	}
	if got := h.dev.stops.Load(); got != 0 {
		t.Errorf("Rejected command disturbed streaming: %d stops", got)
	}
	waitFor(t, "sweeps continue", 3*time.Second, func() bool {
		return h.pub.psdCount() >= 1
	})
}

func TestControllerCampaignLifecycle(t *testing.T) {
	h := newCtrlHarness(t)
	h.feed(t)

	doc := quickDoc(100e6)
	doc.RFMode = ptr("campaign")
	h.eng.SubmitCommandDoc(doc)

	waitFor(t, "campaign rows", 5*time.Second, func() bool {
		st := h.eng.Status()
		return st.Campaign != nil && st.Campaign.Rows >= 1
	})
	session := h.eng.Status().Campaign.SessionID

	// leaving campaign mode closes the session
	h.eng.SubmitCommandDoc(quickDoc(100e6))
	waitFor(t, "campaign closed", 2*time.Second, func() bool {
		return h.eng.Status().Campaign == nil
	})
	if session == "" {
		t.Error("Campaign session had no id")
	}
}
