package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/rxmon/pkg/dsp"
)

// Defaults applied when a command document leaves a field unset and no
// prior configuration exists.
const (
	defaultCenterFreqHz = 100e6
	defaultSampleRateHz = 2e6
	defaultLNAGain      = 16
	defaultVGAGain      = 20
	defaultOverlap      = 0.5
	defaultIntegrationS = 1.0

	defaultFMBandwidthHz = 200e3
	defaultAMBandwidthHz = 10e3
	defaultAudioRateHz   = 48000
	defaultFMAudioLPFHz  = 12000
	defaultAMAudioLPFHz  = 5000
	defaultDeemphasisUs  = 75
	defaultAudioGain     = 16000
	defaultTargetRMS     = 0.25
	defaultRMSAlpha      = 0.001
	defaultMinGain       = 0.1
	defaultMaxGain       = 10
	defaultAGCAttack     = 0.1
	defaultAGCRelease    = 0.005
	defaultEnvTauS       = 0.4
)

// HackRF front-end limits, enforced at resolution time so a rejected
// document never reaches the hardware.
const (
	minCenterFreqHz = 1e6
	maxCenterFreqHz = 7.25e9
	minSampleRateHz = 2e5
	maxSampleRateHz = 20e6
	maxLNAGain      = 40
	maxVGAGain      = 62
	maxPPMError     = 500
	maxIntegrationS = 60
)

// sampleRateTolerance is the relative tolerance for treating two
// configurations as identical; retuning is skipped inside it.
const sampleRateTolerance = 1e-6

type RFMode int

const (
	ModeRealtime RFMode = iota
	ModeCampaign
	ModeFM
	ModeAM
)

func ParseRFMode(s string) (RFMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime":
		return ModeRealtime, nil
	case "campaign":
		return ModeCampaign, nil
	case "fm":
		return ModeFM, nil
	case "am":
		return ModeAM, nil
	default:
		return ModeRealtime, fmt.Errorf("unknown rf_mode %q (want realtime, campaign, fm or am)", s)
	}
}

func (m RFMode) String() string {
	switch m {
	case ModeRealtime:
		return "realtime"
	case ModeCampaign:
		return "campaign"
	case ModeFM:
		return "fm"
	case ModeAM:
		return "am"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type PSDMethod int

const (
	MethodWelch PSDMethod = iota
	MethodPFB
)

func ParsePSDMethod(s string) (PSDMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "welch":
		return MethodWelch, nil
	case "pfb", "polyphase":
		return MethodPFB, nil
	default:
		return MethodWelch, fmt.Errorf("unknown method_psd %q (want welch or pfb)", s)
	}
}

func (m PSDMethod) String() string {
	if m == MethodPFB {
		return "pfb"
	}
	return "welch"
}

type FilterType int

const (
	FilterLowpass FilterType = iota
	FilterHighpass
	FilterBandpass
)

func ParseFilterType(s string) (FilterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lowpass", "low_pass", "lpf":
		return FilterLowpass, nil
	case "highpass", "high_pass", "hpf":
		return FilterHighpass, nil
	case "bandpass", "band_pass", "bpf":
		return FilterBandpass, nil
	default:
		return FilterLowpass, fmt.Errorf("unknown filter type %q (want lowpass, highpass or bandpass)", s)
	}
}

func (t FilterType) String() string {
	switch t {
	case FilterLowpass:
		return "lowpass"
	case FilterHighpass:
		return "highpass"
	case FilterBandpass:
		return "bandpass"
	}
	return fmt.Sprintf("filter(%d)", int(t))
}

type DemodType int

const (
	DemodFM DemodType = iota
	DemodAM
)

func ParseDemodType(s string) (DemodType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fm":
		return DemodFM, nil
	case "am":
		return DemodAM, nil
	default:
		return DemodFM, fmt.Errorf("unknown demodulation type %q (want fm or am)", s)
	}
}

func (t DemodType) String() string {
	if t == DemodAM {
		return "am"
	}
	return "fm"
}

// CommandDoc is the wire form of a configuration command. Pointer fields
// distinguish "absent" from zero; absent fields inherit the previous
// configuration or the documented default.
type CommandDoc struct {
	RFMode           *string    `json:"rf_mode,omitempty"`
	MethodPSD        *string    `json:"method_psd,omitempty"`
	CenterFreqHz     *float64   `json:"center_freq_hz,omitempty"`
	SampleRateHz     *float64   `json:"sample_rate_hz,omitempty"`
	Span             *float64   `json:"span,omitempty"`
	RBWHz            *float64   `json:"rbw_hz,omitempty"`
	Overlap          *float64   `json:"overlap,omitempty"`
	Window           *string    `json:"window,omitempty"`
	Scale            *string    `json:"scale,omitempty"`
	LNAGain          *int       `json:"lna_gain,omitempty"`
	VGAGain          *int       `json:"vga_gain,omitempty"`
	AntennaAmp       *bool      `json:"antenna_amp,omitempty"`
	AntennaPort      *int       `json:"antenna_port,omitempty"`
	PPMError         *float64   `json:"ppm_error,omitempty"`
	IntegrationTimeS *float64   `json:"integration_time_s,omitempty"`
	Filter           *FilterDoc `json:"filter,omitempty"`
	Demodulation     *DemodDoc  `json:"demodulation,omitempty"`
}

type FilterDoc struct {
	Type  string  `json:"type"`
	BWHz  float64 `json:"bw_hz"`
	Order int     `json:"order"`
}

type DemodDoc struct {
	Type         string   `json:"type"`
	BWHz         *float64 `json:"bw_hz,omitempty"`
	AudioRateHz  *float64 `json:"audio_rate_hz,omitempty"`
	AudioLPFHz   *float64 `json:"audio_lpf_hz,omitempty"`
	DeemphasisUs *float64 `json:"deemphasis_us,omitempty"`
	DCBlock      *bool    `json:"dc_block,omitempty"`
	Gain         *float64 `json:"gain,omitempty"`
	TargetRMS    *float64 `json:"target_rms,omitempty"`
	RMSAlpha     *float64 `json:"rms_alpha,omitempty"`
	MinGain      *float64 `json:"min_gain,omitempty"`
	MaxGain      *float64 `json:"max_gain,omitempty"`
	Attack       *float64 `json:"attack,omitempty"`
	Release      *float64 `json:"release,omitempty"`
	EnvTauS      *float64 `json:"env_tau_s,omitempty"`
}

// HardwareConfig is the subset of a resolved configuration that touches
// the front end. The controller retunes only when this changes.
type HardwareConfig struct {
	CenterFreqHz float64 `json:"center_freq_hz"`
	SampleRateHz float64 `json:"sample_rate_hz"`
	LNAGain      int     `json:"lna_gain"`
	VGAGain      int     `json:"vga_gain"`
	AmpEnabled   bool    `json:"antenna_amp"`
	AntennaPort  int     `json:"antenna_port"`
	PPMError     float64 `json:"ppm_error"`
}

func relEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= sampleRateTolerance*scale
}

// equal reports whether two hardware configurations would program the
// front end identically.
func (h HardwareConfig) equal(other HardwareConfig) bool {
	return relEqual(h.CenterFreqHz, other.CenterFreqHz) &&
		relEqual(h.SampleRateHz, other.SampleRateHz) &&
		h.LNAGain == other.LNAGain &&
		h.VGAGain == other.VGAGain &&
		h.AmpEnabled == other.AmpEnabled &&
		h.AntennaPort == other.AntennaPort &&
		relEqual(h.PPMError, other.PPMError)
}

// FilterConfig is the resolved channel pre-filter.
type FilterConfig struct {
	Type  FilterType
	BWHz  float64
	Order int
}

// DemodConfig is the resolved demodulator chain, AM/AGC constants
// included.
type DemodConfig struct {
	Type         DemodType
	BWHz         float64
	AudioRateHz  float64
	AudioLPFHz   float64
	DeemphasisUs float64
	DCBlock      bool
	Gain         float64
	TargetRMS    float64
	RMSAlpha     float64
	MinGain      float64
	MaxGain      float64
	Attack       float64
	Release      float64
	EnvTauS      float64
}

// EngineConfig is one fully resolved configuration: every field concrete,
// every value validated. The controller treats it as immutable.
type EngineConfig struct {
	Mode             RFMode
	Method           PSDMethod
	Hardware         HardwareConfig
	SpanHz           float64
	RBWHz            float64
	Overlap          float64
	Window           dsp.Window
	Scale            dsp.ScaleUnit
	IntegrationTimeS float64
	Filter           *FilterConfig
	Demod            *DemodConfig
}

// Document reconstructs a fully populated command document from a
// resolved configuration, for status reporting and recording metadata.
func (c *EngineConfig) Document() CommandDoc {
	doc := CommandDoc{
		RFMode:           ptr(c.Mode.String()),
		MethodPSD:        ptr(c.Method.String()),
		CenterFreqHz:     ptr(c.Hardware.CenterFreqHz),
		SampleRateHz:     ptr(c.Hardware.SampleRateHz),
		Span:             ptr(c.SpanHz),
		RBWHz:            ptr(c.RBWHz),
		Overlap:          ptr(c.Overlap),
		Window:           ptr(c.Window.String()),
		Scale:            ptr(c.Scale.String()),
		LNAGain:          ptr(c.Hardware.LNAGain),
		VGAGain:          ptr(c.Hardware.VGAGain),
		AntennaAmp:       ptr(c.Hardware.AmpEnabled),
		AntennaPort:      ptr(c.Hardware.AntennaPort),
		PPMError:         ptr(c.Hardware.PPMError),
		IntegrationTimeS: ptr(c.IntegrationTimeS),
	}
	if c.Filter != nil {
		doc.Filter = &FilterDoc{Type: c.Filter.Type.String(), BWHz: c.Filter.BWHz, Order: c.Filter.Order}
	}
	if c.Demod != nil {
		doc.Demodulation = &DemodDoc{
			Type:         c.Demod.Type.String(),
			BWHz:         ptr(c.Demod.BWHz),
			AudioRateHz:  ptr(c.Demod.AudioRateHz),
			AudioLPFHz:   ptr(c.Demod.AudioLPFHz),
			DeemphasisUs: ptr(c.Demod.DeemphasisUs),
			DCBlock:      ptr(c.Demod.DCBlock),
			Gain:         ptr(c.Demod.Gain),
			TargetRMS:    ptr(c.Demod.TargetRMS),
			RMSAlpha:     ptr(c.Demod.RMSAlpha),
			MinGain:      ptr(c.Demod.MinGain),
			MaxGain:      ptr(c.Demod.MaxGain),
			Attack:       ptr(c.Demod.Attack),
			Release:      ptr(c.Demod.Release),
			EnvTauS:      ptr(c.Demod.EnvTauS),
		}
	}
	return doc
}

func ptr[T any](v T) *T {
	return &v
}

// ResolveCommand merges a command document over the previous resolved
// configuration (or the defaults when prev is nil) and validates the
// result. On error the previous configuration is untouched and remains
// active.
func ResolveCommand(doc *CommandDoc, prev *EngineConfig) (*EngineConfig, error) {
	if doc == nil {
		return nil, fmt.Errorf("empty command document")
	}
	if prev == nil && doc.CenterFreqHz == nil && doc.SampleRateHz == nil {
		return nil, fmt.Errorf("command document needs center_freq_hz or sample_rate_hz on first configuration")
	}

	cfg := EngineConfig{
		Mode:   ModeRealtime,
		Method: MethodWelch,
		Hardware: HardwareConfig{
			CenterFreqHz: defaultCenterFreqHz,
			SampleRateHz: defaultSampleRateHz,
			LNAGain:      defaultLNAGain,
			VGAGain:      defaultVGAGain,
		},
		Overlap:          defaultOverlap,
		Window:           dsp.WindowHann,
		Scale:            dsp.ScaleDBm,
		IntegrationTimeS: defaultIntegrationS,
	}
	if prev != nil {
		cfg = *prev
		if prev.Filter != nil {
			f := *prev.Filter
			cfg.Filter = &f
		}
		if prev.Demod != nil {
			d := *prev.Demod
			cfg.Demod = &d
		}
	}

	var err error
	if doc.RFMode != nil {
		if cfg.Mode, err = ParseRFMode(*doc.RFMode); err != nil {
			return nil, err
		}
	}
	if doc.MethodPSD != nil {
		if cfg.Method, err = ParsePSDMethod(*doc.MethodPSD); err != nil {
			return nil, err
		}
	}
	if doc.CenterFreqHz != nil {
		cfg.Hardware.CenterFreqHz = *doc.CenterFreqHz
	}
	if doc.SampleRateHz != nil {
		cfg.Hardware.SampleRateHz = *doc.SampleRateHz
	}
	if doc.LNAGain != nil {
		cfg.Hardware.LNAGain = *doc.LNAGain
	}
	if doc.VGAGain != nil {
		cfg.Hardware.VGAGain = *doc.VGAGain
	}
	if doc.AntennaAmp != nil {
		cfg.Hardware.AmpEnabled = *doc.AntennaAmp
	}
	if doc.AntennaPort != nil {
		cfg.Hardware.AntennaPort = *doc.AntennaPort
	}
	if doc.PPMError != nil {
		cfg.Hardware.PPMError = *doc.PPMError
	}
	if doc.Span != nil {
		cfg.SpanHz = *doc.Span
	}
	if doc.RBWHz != nil {
		cfg.RBWHz = *doc.RBWHz
	}
	if doc.Overlap != nil {
		cfg.Overlap = *doc.Overlap
	}
	if doc.Window != nil {
		if cfg.Window, err = dsp.ParseWindow(*doc.Window); err != nil {
			return nil, err
		}
	}
	if doc.Scale != nil {
		// unrecognized scales deliberately fall back to dBm
		cfg.Scale = dsp.ParseScaleUnit(*doc.Scale)
	}
	if doc.IntegrationTimeS != nil {
		cfg.IntegrationTimeS = *doc.IntegrationTimeS
	}
	if doc.Filter != nil {
		f, err := resolveFilter(doc.Filter)
		if err != nil {
			return nil, err
		}
		cfg.Filter = f
	}
	if doc.Demodulation != nil {
		d, err := resolveDemod(doc.Demodulation, cfg.Demod)
		if err != nil {
			return nil, err
		}
		cfg.Demod = d
	}
	// reconcile the demod chain with the mode: demodulating modes always
	// need one, other modes drop an inherited chain
	switch cfg.Mode {
	case ModeFM, ModeAM:
		want := DemodFM
		if cfg.Mode == ModeAM {
			want = DemodAM
		}
		if doc.Demodulation == nil && (cfg.Demod == nil || cfg.Demod.Type != want) {
			cfg.Demod = defaultDemod(want)
		}
	default:
		if doc.Demodulation != nil {
			return nil, fmt.Errorf("demodulation block requires rf_mode fm or am, got %v", cfg.Mode)
		}
		cfg.Demod = nil
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveFilter(doc *FilterDoc) (*FilterConfig, error) {
	t, err := ParseFilterType(doc.Type)
	if err != nil {
		return nil, err
	}
	if doc.BWHz <= 0 {
		return nil, fmt.Errorf("filter bw_hz must be positive, got %g", doc.BWHz)
	}
	order := doc.Order
	if order == 0 {
		order = 4
	}
	if order < 1 || order > 32 {
		return nil, fmt.Errorf("filter order %d outside [1, 32]", order)
	}
	return &FilterConfig{Type: t, BWHz: doc.BWHz, Order: order}, nil
}

func defaultDemod(t DemodType) *DemodConfig {
	d := &DemodConfig{
		Type:         t,
		BWHz:         defaultFMBandwidthHz,
		AudioRateHz:  defaultAudioRateHz,
		AudioLPFHz:   defaultFMAudioLPFHz,
		DeemphasisUs: defaultDeemphasisUs,
		DCBlock:      true,
		Gain:         defaultAudioGain,
		TargetRMS:    defaultTargetRMS,
		RMSAlpha:     defaultRMSAlpha,
		MinGain:      defaultMinGain,
		MaxGain:      defaultMaxGain,
		Attack:       defaultAGCAttack,
		Release:      defaultAGCRelease,
		EnvTauS:      defaultEnvTauS,
	}
	if t == DemodAM {
		d.BWHz = defaultAMBandwidthHz
		d.AudioLPFHz = defaultAMAudioLPFHz
		d.DeemphasisUs = 0
	}
	return d
}

func resolveDemod(doc *DemodDoc, prev *DemodConfig) (*DemodConfig, error) {
	t, err := ParseDemodType(doc.Type)
	if err != nil {
		return nil, err
	}
	d := defaultDemod(t)
	if prev != nil && prev.Type == t {
		*d = *prev
	}
	if doc.BWHz != nil {
		d.BWHz = *doc.BWHz
	}
	if doc.AudioRateHz != nil {
		d.AudioRateHz = *doc.AudioRateHz
	}
	if doc.AudioLPFHz != nil {
		d.AudioLPFHz = *doc.AudioLPFHz
	}
	if doc.DeemphasisUs != nil {
		d.DeemphasisUs = *doc.DeemphasisUs
	}
	if doc.DCBlock != nil {
		d.DCBlock = *doc.DCBlock
	}
	if doc.Gain != nil {
		d.Gain = *doc.Gain
	}
	if doc.TargetRMS != nil {
		d.TargetRMS = *doc.TargetRMS
	}
	if doc.RMSAlpha != nil {
		d.RMSAlpha = *doc.RMSAlpha
	}
	if doc.MinGain != nil {
		d.MinGain = *doc.MinGain
	}
	if doc.MaxGain != nil {
		d.MaxGain = *doc.MaxGain
	}
	if doc.Attack != nil {
		d.Attack = *doc.Attack
	}
	if doc.Release != nil {
		d.Release = *doc.Release
	}
	if doc.EnvTauS != nil {
		d.EnvTauS = *doc.EnvTauS
	}
	return d, nil
}

func (c *EngineConfig) validate() error {
	h := c.Hardware
	if h.CenterFreqHz < minCenterFreqHz || h.CenterFreqHz > maxCenterFreqHz {
		return fmt.Errorf("center_freq_hz %g outside [%g, %g]", h.CenterFreqHz, float64(minCenterFreqHz), float64(maxCenterFreqHz))
	}
	if h.SampleRateHz < minSampleRateHz || h.SampleRateHz > maxSampleRateHz {
		return fmt.Errorf("sample_rate_hz %g outside [%g, %g]", h.SampleRateHz, float64(minSampleRateHz), float64(maxSampleRateHz))
	}
	if h.LNAGain < 0 || h.LNAGain > maxLNAGain {
		return fmt.Errorf("lna_gain %d outside [0, %d]", h.LNAGain, maxLNAGain)
	}
	if h.VGAGain < 0 || h.VGAGain > maxVGAGain {
		return fmt.Errorf("vga_gain %d outside [0, %d]", h.VGAGain, maxVGAGain)
	}
	if h.AntennaPort < 0 {
		return fmt.Errorf("antenna_port must be >= 0, got %d", h.AntennaPort)
	}
	if math.Abs(h.PPMError) > maxPPMError {
		return fmt.Errorf("ppm_error %g outside [-%d, %d]", h.PPMError, maxPPMError, maxPPMError)
	}
	if c.SpanHz < 0 || c.SpanHz > h.SampleRateHz {
		return fmt.Errorf("span %g outside [0, sample rate %g]", c.SpanHz, h.SampleRateHz)
	}
	if c.RBWHz < 0 {
		return fmt.Errorf("rbw_hz must be >= 0, got %g", c.RBWHz)
	}
	if c.Overlap < 0 || c.Overlap >= 1 {
		return fmt.Errorf("overlap %g outside [0, 1)", c.Overlap)
	}
	if c.IntegrationTimeS <= 0 || c.IntegrationTimeS > maxIntegrationS {
		return fmt.Errorf("integration_time_s %g outside (0, %d]", c.IntegrationTimeS, maxIntegrationS)
	}
	if c.Filter != nil && c.Filter.BWHz > h.SampleRateHz {
		return fmt.Errorf("filter bw_hz %g exceeds sample rate %g", c.Filter.BWHz, h.SampleRateHz)
	}
	if d := c.Demod; d != nil {
		if c.Mode != ModeFM && c.Mode != ModeAM {
			return fmt.Errorf("demodulation block requires rf_mode fm or am, got %v", c.Mode)
		}
		if (c.Mode == ModeFM) != (d.Type == DemodFM) {
			return fmt.Errorf("rf_mode %v conflicts with demodulation type %v", c.Mode, d.Type)
		}
		if d.BWHz <= 0 || d.BWHz > h.SampleRateHz {
			return fmt.Errorf("demodulation bw_hz %g outside (0, sample rate %g]", d.BWHz, h.SampleRateHz)
		}
		if d.AudioRateHz < 8000 || d.AudioRateHz > 192000 {
			return fmt.Errorf("audio_rate_hz %g outside [8000, 192000]", d.AudioRateHz)
		}
		if d.AudioLPFHz < 0 || d.AudioLPFHz >= d.AudioRateHz/2 {
			return fmt.Errorf("audio_lpf_hz %g outside [0, %g)", d.AudioLPFHz, d.AudioRateHz/2)
		}
		if d.Gain <= 0 {
			return fmt.Errorf("demodulation gain must be positive, got %g", d.Gain)
		}
		if d.TargetRMS <= 0 || d.TargetRMS > 1 {
			return fmt.Errorf("target_rms %g outside (0, 1]", d.TargetRMS)
		}
		if d.RMSAlpha <= 0 || d.RMSAlpha >= 1 {
			return fmt.Errorf("rms_alpha %g outside (0, 1)", d.RMSAlpha)
		}
		if d.MinGain <= 0 || d.MaxGain < d.MinGain {
			return fmt.Errorf("gain clamp [%g, %g] invalid", d.MinGain, d.MaxGain)
		}
		if d.Attack <= 0 || d.Attack > 1 || d.Release <= 0 || d.Release > 1 {
			return fmt.Errorf("attack/release (%g, %g) outside (0, 1]", d.Attack, d.Release)
		}
		if d.EnvTauS <= 0 {
			return fmt.Errorf("env_tau_s must be positive, got %g", d.EnvTauS)
		}
	}
	return nil
}

// LoadCommandFile parses a startup command document from disk.
func LoadCommandFile(path string) (*CommandDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc CommandDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &doc, nil
}
