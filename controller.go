package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hz.tools/rf"

	"github.com/rxmon/pkg/dsp"
	"github.com/rxmon/pkg/logging"
)

const (
	defaultFillTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultReopenTries  = 3
	defaultReopenDelay  = 500 * time.Millisecond
)

// errInterrupted aborts a cycle so a newly arrived command can be applied
// before more data is gathered under the old configuration.
var errInterrupted = errors.New("cycle interrupted by pending command")

// Controller runs the acquisition state machine. It is the sole owner of
// the device handle, the main ring's read side, and all PSD-path DSP
// state; everything it touches is confined to its goroutine.
type Controller struct {
	eng   *Engine
	log   *logging.Logger
	audio *AudioPipeline // nil when no audio pipeline is wired

	dataDir string

	est    *dsp.PSDEstimator
	chfilt *dsp.ChannelFilter
	lpf    *dsp.FilterBank // built on demand for lowpass pre-filtering

	cfg        *EngineConfig
	lastHW     *HardwareConfig
	deviceOpen bool
	rxRunning  bool
	cycleReady bool
	recovering bool

	byteBuf []byte
	iqBuf   []complex128

	// overridable for tests
	fillTimeout  time.Duration
	pollInterval time.Duration
	reopenTries  int
	reopenDelay  time.Duration
}

func NewController(eng *Engine, audio *AudioPipeline, dataDir string) *Controller {
	return &Controller{
		eng:          eng,
		log:          eng.log.With("component", "controller"),
		audio:        audio,
		dataDir:      dataDir,
		est:          dsp.NewPSDEstimator(),
		chfilt:       dsp.NewChannelFilter(),
		fillTimeout:  defaultFillTimeout,
		pollInterval: defaultPollInterval,
		reopenTries:  defaultReopenTries,
		reopenDelay:  defaultReopenDelay,
	}
}

// Run drives the controller until the context is cancelled. Commands take
// priority over acquisition; an idle controller just waits for one.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case doc := <-c.eng.commands:
			c.applyCommand(ctx, doc)
			continue
		default:
		}

		if c.cfg == nil || !c.cycleReady {
			c.eng.setState(StateIdle)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case doc := <-c.eng.commands:
				c.applyCommand(ctx, doc)
			case <-time.After(c.pollInterval):
			}
			continue
		}

		if !c.rxRunning {
			c.recover(ctx)
			continue
		}

		if err := c.runCycle(ctx); err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			case errors.Is(err, errInterrupted):
				// main loop picks the command up next pass
			default:
				c.eng.cycleErrors.Add(1)
				c.eng.reportError("sweep cycle", err)
			}
		}
	}
}

// applyCommand resolves a document against the active configuration and
// brings hardware and processing in line with the result. A rejected
// document changes nothing.
func (c *Controller) applyCommand(ctx context.Context, doc *CommandDoc) {
	cfg, err := ResolveCommand(doc, c.cfg)
	if err != nil {
		c.eng.reportError("rejected command", err)
		return
	}
	c.eng.setState(StateConfiguring)

	var hwErr error
	if c.lastHW == nil || !c.lastHW.equal(cfg.Hardware) {
		if hwErr = c.reconfigureHardware(cfg.Hardware); hwErr != nil {
			c.eng.reportError("hardware configuration", hwErr)
		}
	} else {
		c.log.Debugf("hardware unchanged, rx left running")
	}

	c.swapCampaign(cfg)
	c.cfg = cfg
	c.cycleReady = true
	c.eng.setApplied(cfg)
	c.eng.audioActive.Store(cfg.Demod != nil)
	if c.audio != nil {
		c.audio.SetConfig(cfg)
	}
	c.log.Infof("configuration applied: mode %v, %.6f MHz, %.3f MS/s",
		cfg.Mode, cfg.Hardware.CenterFreqHz/1e6, cfg.Hardware.SampleRateHz/1e6)
	if hwErr != nil {
		c.recover(ctx)
	}
}

// reconfigureHardware stops streaming, retunes, clears stale samples and
// restarts. Identical configurations never reach this path.
func (c *Controller) reconfigureHardware(hw HardwareConfig) error {
	if c.rxRunning {
		if err := c.eng.dev.StopRX(); err != nil {
			c.log.Warnf("stop rx before retune: %v", err)
		}
		c.rxRunning = false
	}
	if !c.deviceOpen {
		if err := c.eng.dev.Open(); err != nil {
			return fmt.Errorf("open device: %w", err)
		}
		c.deviceOpen = true
	}
	if err := c.eng.dev.ApplyConfig(hw); err != nil {
		c.lastHW = nil
		return err
	}
	// samples captured under the old tuning are useless now
	c.eng.ring.Reset()
	c.eng.audioRing.Reset()
	if c.eng.tap != nil {
		c.eng.tap.SetRadioState(hw.SampleRateHz, hw.CenterFreqHz)
	}
	if err := c.eng.dev.StartRX(c.eng.deliver); err != nil {
		c.lastHW = nil
		return fmt.Errorf("start rx: %w", err)
	}
	c.rxRunning = true
	c.recovering = false
	hwCopy := hw
	c.lastHW = &hwCopy
	return nil
}

// swapCampaign opens, rotates or closes the campaign recorder to match
// the new configuration.
func (c *Controller) swapCampaign(cfg *EngineConfig) {
	current := c.eng.campaignRecorder()
	if cfg.Mode != ModeCampaign {
		if current != nil {
			if err := current.Close(); err != nil {
				c.log.Warnf("close campaign recorder: %v", err)
			}
			c.eng.setCampaign(nil)
		}
		return
	}
	if current != nil && c.cfg != nil && sweepConfigEqual(c.cfg, cfg) {
		return
	}
	if current != nil {
		if err := current.Close(); err != nil {
			c.log.Warnf("close campaign recorder: %v", err)
		}
		c.eng.setCampaign(nil)
	}
	rec, err := NewCampaignRecorder(c.dataDir, cfg, c.log)
	if err != nil {
		c.eng.reportError("campaign recorder", err)
		return
	}
	c.eng.setCampaign(rec)
}

// sweepConfigEqual reports whether two configurations produce the same
// sweep stream, which decides campaign file rotation.
func sweepConfigEqual(a, b *EngineConfig) bool {
	if !a.Hardware.equal(b.Hardware) {
		return false
	}
	if a.Method != b.Method || a.Window != b.Window || a.Scale != b.Scale {
		return false
	}
	if a.RBWHz != b.RBWHz || a.SpanHz != b.SpanHz || a.Overlap != b.Overlap ||
		a.IntegrationTimeS != b.IntegrationTimeS {
		return false
	}
	af, bf := a.Filter, b.Filter
	if (af == nil) != (bf == nil) {
		return false
	}
	if af != nil && *af != *bf {
		return false
	}
	return true
}

// sweepSizing picks the segment size from the RBW request and the sweep
// length from the integration time, keeping both powers of two and the
// sweep inside half the ring.
func (c *Controller) sweepSizing() (samples, nperseg int, err error) {
	fs := c.cfg.Hardware.SampleRateHz
	nperseg = dsp.SegmentSizeForRBW(c.cfg.Window, fs, c.cfg.RBWHz)

	minSamples := 4 * nperseg
	if c.cfg.Method == MethodPFB {
		// one polyphase block spans 8 segment lengths; demand 16 so the
		// average covers several
		minSamples = 16 * nperseg
	}
	samples = dsp.NextPow2(int(fs * c.cfg.IntegrationTimeS))
	if samples < minSamples {
		samples = minSamples
	}
	maxSamples := floorPow2(c.eng.ring.Capacity() / 4)
	if samples > maxSamples {
		samples = maxSamples
	}
	if samples < minSamples {
		return 0, 0, fmt.Errorf("rbw %g Hz needs %d samples but the ring holds only %d",
			c.cfg.RBWHz, minSamples, maxSamples)
	}
	return samples, nperseg, nil
}

// runCycle acquires one sweep worth of samples and turns it into a
// published PSD.
func (c *Controller) runCycle(ctx context.Context) error {
	samples, nperseg, err := c.sweepSizing()
	if err != nil {
		// wait for a corrected command instead of spinning on the error
		c.cycleReady = false
		return err
	}
	needBytes := samples * 2

	c.eng.setState(StateAcquiring)
	if err := c.waitFill(ctx, needBytes); err != nil {
		return err
	}

	c.eng.setState(StateProcessing)
	if cap(c.byteBuf) < needBytes {
		c.byteBuf = make([]byte, needBytes)
	}
	c.byteBuf = c.byteBuf[:needBytes]
	if got := c.eng.ring.Read(c.byteBuf); got < needBytes {
		return fmt.Errorf("ring drained to %d bytes mid-cycle, wanted %d", got, needBytes)
	}
	if cap(c.iqBuf) < samples {
		c.iqBuf = make([]complex128, samples)
	}
	c.iqBuf = c.iqBuf[:samples]
	dsp.BytesToIQ(c.byteBuf, c.iqBuf)

	cfg := c.cfg
	fs := cfg.Hardware.SampleRateHz
	if cfg.Filter != nil && cfg.Demod == nil {
		if err := c.preFilter(c.iqBuf, cfg); err != nil {
			return fmt.Errorf("channel filter: %w", err)
		}
	}

	psdCfg := dsp.PSDConfig{
		SampleRate: fs,
		Window:     cfg.Window,
		NPerSeg:    nperseg,
		NOverlap:   int(cfg.Overlap * float64(nperseg)),
	}
	var res *dsp.PSDResult
	if cfg.Method == MethodPFB {
		res, err = c.est.PFB(c.iqBuf, psdCfg)
	} else {
		res, err = c.est.Welch(c.iqBuf, psdCfg)
	}
	if err != nil {
		return fmt.Errorf("%v estimate: %w", cfg.Method, err)
	}
	dsp.ApplyScale(res.Pxx, cfg.Scale)

	freqs, pxx := res.Freqs, res.Pxx
	if cfg.SpanHz > 0 && cfg.SpanHz < fs {
		freqs, pxx = trimSpan(freqs, pxx, cfg.SpanHz)
	}

	center := cfg.Hardware.CenterFreqHz
	msg := &PSDMessage{
		Type:         "psd",
		TimestampMs:  time.Now().UnixMilli(),
		CenterFreqHz: center,
		SampleRateHz: fs,
		StartFreqHz:  center + freqs[0],
		EndFreqHz:    center + freqs[len(freqs)-1],
		BinCount:     len(pxx),
		Method:       cfg.Method.String(),
		Scale:        cfg.Scale.String(),
		Pxx:          pxx,
	}
	if c.eng.pub != nil {
		c.eng.pub.PublishPSD(msg)
	}
	c.eng.sweeps.Add(1)

	if rec := c.eng.campaignRecorder(); rec != nil {
		if err := rec.Append(msg); err != nil {
			c.eng.reportError("campaign append", err)
		}
	}
	return nil
}

// preFilter narrows the sweep block before estimation in the
// non-demodulating modes.
func (c *Controller) preFilter(sig []complex128, cfg *EngineConfig) error {
	f := cfg.Filter
	fs := cfg.Hardware.SampleRateHz
	center := rf.Hz(cfg.Hardware.CenterFreqHz)
	switch f.Type {
	case FilterLowpass:
		if c.lpf == nil {
			fb, err := dsp.NewFilterBank(fs, f.BWHz, f.Order, false)
			if err != nil {
				return err
			}
			c.lpf = fb
		} else if err := c.lpf.Reconfigure(fs, f.BWHz, f.Order); err != nil {
			return err
		}
		c.lpf.ApplyInPlace(sig)
		return nil
	case FilterBandpass:
		half := rf.Hz(f.BWHz / 2)
		return c.chfilt.ApplyInPlace(sig, dsp.BandSpec{Start: center - half, End: center + half}, center, fs)
	case FilterHighpass:
		return c.chfilt.ApplyHalfSpectrum(sig, dsp.PassHigh, f.BWHz, f.Order, fs)
	}
	return fmt.Errorf("unhandled filter type %v", f.Type)
}

// trimSpan keeps the bins inside center +/- span/2.
func trimSpan(freqs, pxx []float64, span float64) ([]float64, []float64) {
	lo, hi := -span/2, span/2
	start, end := 0, len(freqs)
	for start < len(freqs) && freqs[start] < lo {
		start++
	}
	for end > start && freqs[end-1] > hi {
		end--
	}
	if start >= end {
		return freqs, pxx
	}
	return freqs[start:end], pxx[start:end]
}

// waitFill blocks until the ring holds n bytes, a command arrives, the
// context ends, or the fill timeout trips recovery.
func (c *Controller) waitFill(ctx context.Context, n int) error {
	deadline := time.Now().Add(c.fillTimeout)
	for {
		if c.eng.ring.Available() >= n {
			return nil
		}
		if len(c.eng.commands) > 0 {
			return errInterrupted
		}
		if time.Now().After(deadline) {
			c.log.Warnf("ring fill stalled: %d of %d bytes after %v",
				c.eng.ring.Available(), n, c.fillTimeout)
			c.recover(ctx)
			return errInterrupted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// recover tears the device down and brings it back up with the active
// configuration. Persistent failure leaves the controller retrying on its
// poll cadence; the process never exits over hardware faults.
func (c *Controller) recover(ctx context.Context) {
	c.eng.setState(StateRecovering)
	if c.rxRunning {
		if err := c.eng.dev.StopRX(); err != nil {
			c.log.Warnf("stop rx during recovery: %v", err)
		}
		c.rxRunning = false
	}
	if c.deviceOpen {
		if err := c.eng.dev.Close(); err != nil {
			c.log.Warnf("close during recovery: %v", err)
		}
		c.deviceOpen = false
	}
	// whatever was applied died with the handle
	c.lastHW = nil

	for attempt := 1; attempt <= c.reopenTries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reopenDelay):
		}
		if err := c.eng.dev.Open(); err != nil {
			c.log.Warnf("reopen attempt %d/%d: %v", attempt, c.reopenTries, err)
			continue
		}
		c.deviceOpen = true
		if err := c.reconfigureHardware(c.cfg.Hardware); err != nil {
			c.log.Warnf("reconfigure after reopen: %v", err)
			c.eng.dev.Close()
			c.deviceOpen = false
			continue
		}
		c.log.Infof("device recovered on attempt %d", attempt)
		return
	}
	if !c.recovering {
		c.eng.reportError("device recovery", fmt.Errorf("%d reopen attempts failed, still trying", c.reopenTries))
		c.recovering = true
	}
}

func (c *Controller) shutdown() {
	if c.rxRunning {
		c.eng.dev.StopRX()
		c.rxRunning = false
	}
	if c.deviceOpen {
		c.eng.dev.Close()
		c.deviceOpen = false
	}
	if rec := c.eng.campaignRecorder(); rec != nil {
		if err := rec.Close(); err != nil {
			c.log.Warnf("close campaign recorder: %v", err)
		}
		c.eng.setCampaign(nil)
	}
	c.eng.setState(StateIdle)
}

func floorPow2(v int) int {
	p := 1
	for p*2 <= v {
		p <<= 1
	}
	return p
}
