package main

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rxmon/pkg/logging"
)

const (
	// simChunkBytes is the block size handed to the callback, sized like
	// a hackrf transfer.
	simChunkBytes = 131072

	simToneOffsetHz  = 100e3
	simToneAmplitude = 0.5
	simNoiseFloor    = 0.01

	// the simulated carrier is FM-modulated so the demodulators have
	// something to chew on
	simAudioToneHz   = 1e3
	simFMDeviationHz = 30e3
)

// SimReceiver synthesizes the stream a HackRF would deliver: a noisy
// carrier offset from center, frequency-modulated with a steady audio
// tone. Blocks are paced in real time against the configured sample rate.
type SimReceiver struct {
	log *logging.Logger

	mu         sync.Mutex
	open       bool
	sampleRate float64
	stop       chan struct{}
	done       chan struct{}
}

func NewSimReceiver(log *logging.Logger) *SimReceiver {
	return &SimReceiver{log: log.With("component", "sim")}
}

func (s *SimReceiver) Name() string { return "sim" }

func (s *SimReceiver) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("sim: already open")
	}
	s.open = true
	s.sampleRate = defaultSampleRateHz
	return nil
}

func (s *SimReceiver) Close() error {
	if err := s.StopRX(); err != nil {
		return err
	}
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *SimReceiver) ApplyConfig(cfg HardwareConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return fmt.Errorf("sim: not open")
	}
	if s.stop != nil {
		return fmt.Errorf("sim: cannot retune while rx is running")
	}
	s.sampleRate = cfg.SampleRateHz
	s.log.Infof("simulating %.6f MHz at %.3f MS/s", cfg.CenterFreqHz/1e6, cfg.SampleRateHz/1e6)
	return nil
}

func (s *SimReceiver) StartRX(cb func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return fmt.Errorf("sim: not open")
	}
	if s.stop != nil {
		return fmt.Errorf("sim: rx already running")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.generate(s.sampleRate, cb, s.stop, s.done)
	return nil
}

func (s *SimReceiver) StopRX() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *SimReceiver) generate(sampleRate float64, cb func([]byte) error, stop, done chan struct{}) {
	defer close(done)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, simChunkBytes)
	samplesPerChunk := simChunkBytes / 2
	interval := time.Duration(float64(samplesPerChunk) / sampleRate * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var carrierPhase float64
	var modPhase float64
	modStep := 2 * math.Pi * simAudioToneHz / sampleRate

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for i := 0; i < samplesPerChunk; i++ {
			inst := simToneOffsetHz + simFMDeviationHz*math.Cos(modPhase)
			carrierPhase += 2 * math.Pi * inst / sampleRate
			if carrierPhase > 2*math.Pi {
				carrierPhase -= 2 * math.Pi
			}
			modPhase += modStep
			if modPhase > 2*math.Pi {
				modPhase -= 2 * math.Pi
			}

			iv := simToneAmplitude*math.Cos(carrierPhase) + simNoiseFloor*(rng.Float64()*2-1)
			qv := simToneAmplitude*math.Sin(carrierPhase) + simNoiseFloor*(rng.Float64()*2-1)
			buf[2*i] = byte(int8(clampUnit(iv) * 127))
			buf[2*i+1] = byte(int8(clampUnit(qv) * 127))
		}
		if err := cb(buf); err != nil {
			s.log.Warnf("callback stopped the stream: %v", err)
			return
		}
	}
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
