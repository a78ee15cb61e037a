package main

import (
	"fmt"
	"math"

	"github.com/samuel/go-hackrf/hackrf"

	"github.com/rxmon/pkg/logging"
)

// HackRFReceiver drives a HackRF One through libhackrf. Init/Exit bracket
// each Open/Close cycle so a recovery reopen resets the USB stack too.
type HackRFReceiver struct {
	log     *logging.Logger
	dev     *hackrf.Device
	running bool
}

func NewHackRFReceiver(log *logging.Logger) *HackRFReceiver {
	return &HackRFReceiver{log: log.With("component", "hackrf")}
}

func (r *HackRFReceiver) Name() string { return "hackrf" }

func (r *HackRFReceiver) Open() error {
	if r.dev != nil {
		return fmt.Errorf("hackrf: already open")
	}
	if err := hackrf.Init(); err != nil {
		return fmt.Errorf("hackrf init: %w", err)
	}
	dev, err := hackrf.Open()
	if err != nil {
		hackrf.Exit()
		return fmt.Errorf("hackrf open: %w", err)
	}
	r.dev = dev
	r.log.Infof("device opened")
	return nil
}

func (r *HackRFReceiver) Close() error {
	if r.dev == nil {
		return nil
	}
	if r.running {
		if err := r.dev.StopRX(); err != nil {
			r.log.Warnf("stop rx during close: %v", err)
		}
		r.running = false
	}
	err := r.dev.Close()
	r.dev = nil
	hackrf.Exit()
	if err != nil {
		return fmt.Errorf("hackrf close: %w", err)
	}
	return nil
}

// ApplyConfig programs tuning, rate and gains. The PPM correction is
// folded into the tuned frequency since the hardware has no register for
// it.
func (r *HackRFReceiver) ApplyConfig(cfg HardwareConfig) error {
	if r.dev == nil {
		return fmt.Errorf("hackrf: not open")
	}
	tuned := cfg.CenterFreqHz * (1 + cfg.PPMError*1e-6)
	if err := r.dev.SetFreq(uint64(math.Round(tuned))); err != nil {
		return fmt.Errorf("set freq %g Hz: %w", tuned, err)
	}
	if err := r.dev.SetSampleRate(cfg.SampleRateHz); err != nil {
		return fmt.Errorf("set sample rate %g: %w", cfg.SampleRateHz, err)
	}
	if err := r.dev.SetLNAGain(roundToStep(cfg.LNAGain, 8)); err != nil {
		return fmt.Errorf("set lna gain %d: %w", cfg.LNAGain, err)
	}
	if err := r.dev.SetVGAGain(roundToStep(cfg.VGAGain, 2)); err != nil {
		return fmt.Errorf("set vga gain %d: %w", cfg.VGAGain, err)
	}
	if err := r.dev.SetAmpEnable(cfg.AmpEnabled); err != nil {
		return fmt.Errorf("set amp %v: %w", cfg.AmpEnabled, err)
	}
	if cfg.AntennaPort != 0 {
		r.log.Warnf("antenna_port %d requested on a single-port device", cfg.AntennaPort)
	}
	r.log.Infof("tuned %.6f MHz at %.3f MS/s (lna %d, vga %d, amp %v)",
		tuned/1e6, cfg.SampleRateHz/1e6, cfg.LNAGain, cfg.VGAGain, cfg.AmpEnabled)
	return nil
}

func (r *HackRFReceiver) StartRX(cb func([]byte) error) error {
	if r.dev == nil {
		return fmt.Errorf("hackrf: not open")
	}
	if r.running {
		return fmt.Errorf("hackrf: rx already running")
	}
	if err := r.dev.StartRX(cb); err != nil {
		return fmt.Errorf("start rx: %w", err)
	}
	r.running = true
	return nil
}

func (r *HackRFReceiver) StopRX() error {
	if r.dev == nil || !r.running {
		return nil
	}
	r.running = false
	if err := r.dev.StopRX(); err != nil {
		return fmt.Errorf("stop rx: %w", err)
	}
	return nil
}

// roundToStep snaps a requested gain onto the hardware's step grid.
func roundToStep(v, step int) int {
	return (v + step/2) / step * step
}
