package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hz.tools/rf"

	"github.com/rxmon/pkg/dsp"
	"github.com/rxmon/pkg/logging"
)

const (
	// one chunk is 16384 complex samples, a power of two so the spectral
	// filters can run on it directly
	audioChunkBytes = 32768
	// backlog beyond this is shed oldest-first; latency matters more than
	// completeness on the audio path
	audioHighWater = 1 << 20

	audioIdlePoll = 100 * time.Millisecond
	audioDataPoll = 10 * time.Millisecond

	// order of the implicit channel selector when no filter block is given
	audioSelectorOrder = 6
)

// AudioStatus is the audio block of the status heartbeat.
type AudioStatus struct {
	Active          bool    `json:"active"`
	Connected       bool    `json:"connected"`
	Sink            string  `json:"sink,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	Demod           string  `json:"demod,omitempty"`
	AudioRateHz     float64 `json:"audio_rate_hz,omitempty"`
	FramesSent      uint64  `json:"frames_sent"`
	FramesDropped   uint64  `json:"frames_dropped"`
	DeviationPeakHz float64 `json:"deviation_peak_hz,omitempty"`
	DeviationEmaHz  float64 `json:"deviation_ema_hz,omitempty"`
	ModulationDepth float64 `json:"modulation_depth,omitempty"`
	AGCGain         float64 `json:"agc_gain,omitempty"`
}

// AudioPipeline drains the audio ring, narrows the stream to the channel
// of interest, demodulates it, and hands PCM to the egress. All chain
// state is confined to the Run goroutine; SetConfig and Metrics are the
// only cross-thread entries.
type AudioPipeline struct {
	eng    *Engine
	log    *logging.Logger
	egress *AudioEgress // nil when no sink is configured

	pending atomic.Pointer[EngineConfig]

	cfg      *EngineConfig
	fm       *dsp.FMDemodulator
	am       *dsp.AMDemodulator
	selector *dsp.FilterBank
	chfilt   *dsp.ChannelFilter
	shedding bool

	byteBuf []byte
	iqBuf   []complex128

	mu      sync.Mutex
	metrics AudioStatus
}

func NewAudioPipeline(eng *Engine, egress *AudioEgress) *AudioPipeline {
	return &AudioPipeline{
		eng:     eng,
		log:     eng.log.With("component", "audio"),
		egress:  egress,
		chfilt:  dsp.NewChannelFilter(),
		byteBuf: make([]byte, audioChunkBytes),
		iqBuf:   make([]complex128, audioChunkBytes/2),
	}
}

// SetConfig hands the pipeline a new resolved configuration. The chain is
// rebuilt on the pipeline goroutine before the next chunk.
func (p *AudioPipeline) SetConfig(cfg *EngineConfig) {
	p.pending.Store(cfg)
}

// Run processes audio until the context ends.
func (p *AudioPipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.adoptConfig()

		if p.fm == nil && p.am == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(audioIdlePoll):
			}
			continue
		}

		if avail := p.eng.audioRing.Available(); avail > audioHighWater {
			drop := (avail - audioHighWater) &^ 1
			p.eng.audioRing.Discard(drop)
			p.eng.audioDropBytes.Add(uint64(drop))
			if !p.shedding {
				p.log.Warnf("audio backlog over %d bytes, shedding oldest samples", audioHighWater)
				p.shedding = true
			}
		} else if p.shedding && avail < audioHighWater/2 {
			p.log.Infof("audio backlog drained, shedding stopped")
			p.shedding = false
		}

		if p.eng.audioRing.Available() < audioChunkBytes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(audioDataPoll):
			}
			continue
		}

		p.processChunk()
	}
}

// adoptConfig rebuilds the demod chain when the controller has published a
// new configuration. A chain that fails to build leaves the pipeline idle
// until the next command.
func (p *AudioPipeline) adoptConfig() {
	next := p.pending.Load()
	if next == p.cfg {
		return
	}
	p.cfg = next
	p.fm, p.am, p.selector = nil, nil, nil
	p.shedding = false

	if next == nil || next.Demod == nil {
		p.publishIdle()
		return
	}
	d := next.Demod
	fs := next.Hardware.SampleRateHz

	var err error
	switch d.Type {
	case DemodFM:
		p.fm, err = dsp.NewFMDemodulator(dsp.FMDemodConfig{
			SampleRate:   fs,
			AudioRate:    d.AudioRateHz,
			DeemphasisUs: d.DeemphasisUs,
			AudioLPFHz:   d.AudioLPFHz,
			DCBlock:      d.DCBlock,
			Gain:         d.Gain,
		})
	case DemodAM:
		p.am, err = dsp.NewAMDemodulator(dsp.AMDemodConfig{
			SampleRate: fs,
			AudioRate:  d.AudioRateHz,
			EnvTauS:    d.EnvTauS,
			RMSAlpha:   d.RMSAlpha,
			TargetRMS:  d.TargetRMS,
			MinGain:    d.MinGain,
			MaxGain:    d.MaxGain,
			Attack:     d.Attack,
			Release:    d.Release,
			DCBlock:    d.DCBlock,
			AudioLPFHz: d.AudioLPFHz,
			Gain:       d.Gain,
		})
	}
	if err != nil {
		p.eng.reportError("audio chain", err)
		p.fm, p.am = nil, nil
		p.publishIdle()
		return
	}

	// channel selection ahead of the demod: the explicit filter block
	// wins, otherwise a low-pass at the demod bandwidth
	if next.Filter == nil || next.Filter.Type == FilterLowpass {
		bw, order := d.BWHz, audioSelectorOrder
		if next.Filter != nil {
			bw, order = next.Filter.BWHz, next.Filter.Order
		}
		p.selector, err = dsp.NewFilterBank(fs, bw, order, false)
		if err != nil {
			p.eng.reportError("audio channel filter", err)
			p.fm, p.am = nil, nil
			p.publishIdle()
			return
		}
	}

	rate := fs / float64(decimOf(p.fm, p.am))
	if p.egress != nil {
		p.egress.SetSampleRate(int(rate + 0.5))
	}
	p.log.Infof("audio chain ready: %s at %.0f Hz PCM", d.Type, rate)
}

func decimOf(fm *dsp.FMDemodulator, am *dsp.AMDemodulator) int {
	if fm != nil {
		return fm.DecimationFactor()
	}
	return am.DecimationFactor()
}

func (p *AudioPipeline) processChunk() {
	if got := p.eng.audioRing.Read(p.byteBuf); got < len(p.byteBuf) {
		return
	}
	dsp.BytesToIQ(p.byteBuf, p.iqBuf)

	cfg := p.cfg
	fs := cfg.Hardware.SampleRateHz
	if p.selector != nil {
		p.selector.ApplyInPlace(p.iqBuf)
	} else if f := cfg.Filter; f != nil {
		var err error
		switch f.Type {
		case FilterBandpass:
			center := rf.Hz(cfg.Hardware.CenterFreqHz)
			half := rf.Hz(f.BWHz / 2)
			err = p.chfilt.ApplyInPlace(p.iqBuf, dsp.BandSpec{Start: center - half, End: center + half}, center, fs)
		case FilterHighpass:
			err = p.chfilt.ApplyHalfSpectrum(p.iqBuf, dsp.PassHigh, f.BWHz, f.Order, fs)
		}
		if err != nil {
			p.eng.reportError("audio channel filter", err)
			p.fm, p.am = nil, nil
			return
		}
	}

	var pcm []int16
	if p.fm != nil {
		pcm = p.fm.Process(p.iqBuf)
	} else {
		pcm = p.am.Process(p.iqBuf)
	}
	if p.egress != nil && len(pcm) > 0 {
		p.egress.Write(pcm)
	}
	p.snapshotMetrics()
}

func (p *AudioPipeline) publishIdle() {
	p.mu.Lock()
	p.metrics = AudioStatus{}
	p.mu.Unlock()
}

func (p *AudioPipeline) snapshotMetrics() {
	m := AudioStatus{Active: true, Demod: p.cfg.Demod.Type.String()}
	if p.fm != nil {
		m.AudioRateHz = p.fm.AudioRate()
		m.DeviationPeakHz, m.DeviationEmaHz = p.fm.Deviation()
	} else if p.am != nil {
		m.AudioRateHz = p.am.AudioRate()
		m.ModulationDepth = p.am.ModulationDepth()
		m.AGCGain = p.am.AGCGain()
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Metrics satisfies AudioMetricsFunc. It returns nil while no demod chain
// is active so the status block is omitted entirely.
func (p *AudioPipeline) Metrics() *AudioStatus {
	p.mu.Lock()
	m := p.metrics
	p.mu.Unlock()
	if !m.Active {
		return nil
	}
	if p.egress != nil {
		st := p.egress.Status()
		m.Connected = st.Connected
		m.Sink = st.Sink
		m.Codec = st.Codec
		m.FramesSent = st.FramesSent
		m.FramesDropped = st.FramesDropped
	}
	return &m
}
