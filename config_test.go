package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rxmon/pkg/dsp"
)

func TestResolveDefaults(t *testing.T) {
	doc := &CommandDoc{CenterFreqHz: ptr(433.92e6)}
	cfg, err := ResolveCommand(doc, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	if cfg.Mode != ModeRealtime {
		t.Errorf("Expected realtime mode, got %v", cfg.Mode)
	}
	if cfg.Method != MethodWelch {
		t.Errorf("Expected welch method, got %v", cfg.Method)
	}
	if cfg.Hardware.CenterFreqHz != 433.92e6 {
		t.Errorf("Expected center 433.92 MHz, got %g", cfg.Hardware.CenterFreqHz)
	}
	if cfg.Hardware.SampleRateHz != defaultSampleRateHz {
		t.Errorf("Expected default sample rate %g, got %g", float64(defaultSampleRateHz), cfg.Hardware.SampleRateHz)
	}
	if cfg.Hardware.LNAGain != defaultLNAGain || cfg.Hardware.VGAGain != defaultVGAGain {
		t.Errorf("Expected default gains %d/%d, got %d/%d",
			defaultLNAGain, defaultVGAGain, cfg.Hardware.LNAGain, cfg.Hardware.VGAGain)
	}
	if cfg.Overlap != defaultOverlap {
		t.Errorf("Expected overlap %g, got %g", defaultOverlap, cfg.Overlap)
	}
	if cfg.Window != dsp.WindowHann {
		t.Errorf("Expected hann window, got %v", cfg.Window)
	}
	if cfg.Scale != dsp.ScaleDBm {
		t.Errorf("Expected dbm scale, got %v", cfg.Scale)
	}
	if cfg.IntegrationTimeS != defaultIntegrationS {
		t.Errorf("Expected integration %g s, got %g", defaultIntegrationS, cfg.IntegrationTimeS)
	}
	if cfg.Filter != nil || cfg.Demod != nil {
		t.Errorf("Expected no filter or demod by default")
	}
}

func TestResolveFirstCommandNeedsTuning(t *testing.T) {
	if _, err := ResolveCommand(&CommandDoc{}, nil); err == nil {
		t.Fatal("Expected error for first command without center or rate")
	}
	if _, err := ResolveCommand(nil, nil); err == nil {
		t.Fatal("Expected error for nil document")
	}

	// with a previous configuration an empty document is a no-op refresh
	prev, err := ResolveCommand(&CommandDoc{CenterFreqHz: ptr(100e6)}, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	cfg, err := ResolveCommand(&CommandDoc{}, prev)
	if err != nil {
		t.Fatalf("Empty refresh failed: %v", err)
	}
	if cfg.Hardware.CenterFreqHz != 100e6 {
		t.Errorf("Expected inherited center 100 MHz, got %g", cfg.Hardware.CenterFreqHz)
	}
}

func TestResolveMergesOverPrevious(t *testing.T) {
	prev, err := ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(2.44e9),
		SampleRateHz: ptr(10e6),
		LNAGain:      ptr(24),
		Window:       ptr("blackman"),
	}, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	cfg, err := ResolveCommand(&CommandDoc{VGAGain: ptr(40)}, prev)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if cfg.Hardware.CenterFreqHz != 2.44e9 || cfg.Hardware.SampleRateHz != 10e6 {
		t.Errorf("Tuning not inherited: %g / %g", cfg.Hardware.CenterFreqHz, cfg.Hardware.SampleRateHz)
	}
	if cfg.Hardware.LNAGain != 24 {
		t.Errorf("Expected inherited LNA 24, got %d", cfg.Hardware.LNAGain)
	}
	if cfg.Hardware.VGAGain != 40 {
		t.Errorf("Expected VGA 40, got %d", cfg.Hardware.VGAGain)
	}
	if cfg.Window != dsp.WindowBlackman {
		t.Errorf("Expected inherited blackman window, got %v", cfg.Window)
	}
	// prev must not be mutated by the merge
	if prev.Hardware.VGAGain == 40 {
		t.Error("Merge mutated the previous configuration")
	}
}

func TestResolveRejectsUnknownEnums(t *testing.T) {
	base := func() *CommandDoc { return &CommandDoc{CenterFreqHz: ptr(100e6)} }

	doc := base()
	doc.RFMode = ptr("sideways")
	if _, err := ResolveCommand(doc, nil); err == nil {
		t.Error("Expected error for unknown rf_mode")
	}

	doc = base()
	doc.MethodPSD = ptr("burg")
	if _, err := ResolveCommand(doc, nil); err == nil {
		t.Error("Expected error for unknown method_psd")
	}

	doc = base()
	doc.Window = ptr("gaussian")
	if _, err := ResolveCommand(doc, nil); err == nil {
		t.Error("Expected error for unknown window")
	}

	doc = base()
	doc.Filter = &FilterDoc{Type: "notch", BWHz: 1000}
	if _, err := ResolveCommand(doc, nil); err == nil {
		t.Error("Expected error for unknown filter type")
	}

	doc = base()
	doc.RFMode = ptr("fm")
	doc.Demodulation = &DemodDoc{Type: "ssb"}
	if _, err := ResolveCommand(doc, nil); err == nil {
		t.Error("Expected error for unknown demodulation type")
	}
}

func TestResolveScaleFallsBackToDBm(t *testing.T) {
	doc := &CommandDoc{CenterFreqHz: ptr(100e6), Scale: ptr("furlongs")}
	cfg, err := ResolveCommand(doc, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	if cfg.Scale != dsp.ScaleDBm {
		t.Errorf("Expected unknown scale to fall back to dbm, got %v", cfg.Scale)
	}
}

func TestModeDemodReconciliation(t *testing.T) {
	fmCfg, err := ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(98.5e6),
		RFMode:       ptr("fm"),
	}, nil)
	if err != nil {
		t.Fatalf("FM resolve failed: %v", err)
	}
	if fmCfg.Demod == nil || fmCfg.Demod.Type != DemodFM {
		t.Fatal("FM mode did not get a default FM demod chain")
	}
	if fmCfg.Demod.BWHz != defaultFMBandwidthHz || fmCfg.Demod.DeemphasisUs != defaultDeemphasisUs {
		t.Errorf("Unexpected FM defaults: bw %g, deemph %g", fmCfg.Demod.BWHz, fmCfg.Demod.DeemphasisUs)
	}

	// switching fm -> am without an explicit block swaps the chain type
	amCfg, err := ResolveCommand(&CommandDoc{RFMode: ptr("am")}, fmCfg)
	if err != nil {
		t.Fatalf("AM resolve failed: %v", err)
	}
	if amCfg.Demod == nil || amCfg.Demod.Type != DemodAM {
		t.Fatal("AM mode did not replace the FM chain")
	}
	if amCfg.Demod.BWHz != defaultAMBandwidthHz || amCfg.Demod.DeemphasisUs != 0 {
		t.Errorf("Unexpected AM defaults: bw %g, deemph %g", amCfg.Demod.BWHz, amCfg.Demod.DeemphasisUs)
	}

	// switching back to realtime quietly drops the inherited chain
	rtCfg, err := ResolveCommand(&CommandDoc{RFMode: ptr("realtime")}, amCfg)
	if err != nil {
		t.Fatalf("Realtime resolve failed: %v", err)
	}
	if rtCfg.Demod != nil {
		t.Error("Realtime mode kept an inherited demod chain")
	}

	// but an explicit demod block outside fm/am is a contradiction
	_, err = ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(100e6),
		Demodulation: &DemodDoc{Type: "fm"},
	}, nil)
	if err == nil {
		t.Error("Expected error for demodulation block in realtime mode")
	}

	// mode and explicit type must agree
	_, err = ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(100e6),
		RFMode:       ptr("am"),
		Demodulation: &DemodDoc{Type: "fm"},
	}, nil)
	if err == nil {
		t.Error("Expected error for am mode with fm demodulation")
	}
}

func TestResolveDemodInheritsSameType(t *testing.T) {
	prev, err := ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(98.5e6),
		RFMode:       ptr("fm"),
		Demodulation: &DemodDoc{Type: "fm", Gain: ptr(8000.0)},
	}, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	cfg, err := ResolveCommand(&CommandDoc{
		Demodulation: &DemodDoc{Type: "fm", AudioLPFHz: ptr(9000.0)},
	}, prev)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	if cfg.Demod.Gain != 8000 {
		t.Errorf("Expected inherited gain 8000, got %g", cfg.Demod.Gain)
	}
	if cfg.Demod.AudioLPFHz != 9000 {
		t.Errorf("Expected updated LPF 9000, got %g", cfg.Demod.AudioLPFHz)
	}
}

func TestResolveValidationRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  CommandDoc
	}{
		{"center too low", CommandDoc{CenterFreqHz: ptr(0.5e6)}},
		{"center too high", CommandDoc{CenterFreqHz: ptr(8e9)}},
		{"rate too low", CommandDoc{CenterFreqHz: ptr(100e6), SampleRateHz: ptr(1e5)}},
		{"rate too high", CommandDoc{CenterFreqHz: ptr(100e6), SampleRateHz: ptr(30e6)}},
		{"lna out of range", CommandDoc{CenterFreqHz: ptr(100e6), LNAGain: ptr(48)}},
		{"vga out of range", CommandDoc{CenterFreqHz: ptr(100e6), VGAGain: ptr(70)}},
		{"ppm out of range", CommandDoc{CenterFreqHz: ptr(100e6), PPMError: ptr(600.0)}},
		{"span beyond rate", CommandDoc{CenterFreqHz: ptr(100e6), Span: ptr(3e6)}},
		{"overlap at one", CommandDoc{CenterFreqHz: ptr(100e6), Overlap: ptr(1.0)}},
		{"integration zero", CommandDoc{CenterFreqHz: ptr(100e6), IntegrationTimeS: ptr(0.0)}},
		{"integration too long", CommandDoc{CenterFreqHz: ptr(100e6), IntegrationTimeS: ptr(120.0)}},
		{"filter without bandwidth", CommandDoc{CenterFreqHz: ptr(100e6), Filter: &FilterDoc{Type: "lowpass"}}},
		{"filter order too high", CommandDoc{CenterFreqHz: ptr(100e6), Filter: &FilterDoc{Type: "lowpass", BWHz: 1e5, Order: 64}}},
		{"audio rate too low", CommandDoc{CenterFreqHz: ptr(100e6), RFMode: ptr("fm"),
			Demodulation: &DemodDoc{Type: "fm", AudioRateHz: ptr(4000.0)}}},
		{"audio lpf above nyquist", CommandDoc{CenterFreqHz: ptr(100e6), RFMode: ptr("fm"),
			Demodulation: &DemodDoc{Type: "fm", AudioLPFHz: ptr(30000.0)}}},
		{"agc attack zero", CommandDoc{CenterFreqHz: ptr(100e6), RFMode: ptr("am"),
			Demodulation: &DemodDoc{Type: "am", Attack: ptr(0.0)}}},
		{"gain clamp inverted", CommandDoc{CenterFreqHz: ptr(100e6), RFMode: ptr("am"),
			Demodulation: &DemodDoc{Type: "am", MinGain: ptr(5.0), MaxGain: ptr(1.0)}}},
	}
	for _, tc := range cases {
		if _, err := ResolveCommand(&tc.doc, nil); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestRejectedCommandLeavesPrevUsable(t *testing.T) {
	prev, err := ResolveCommand(&CommandDoc{CenterFreqHz: ptr(100e6)}, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	_, err = ResolveCommand(&CommandDoc{SampleRateHz: ptr(30e6)}, prev)
	if err == nil {
		t.Fatal("Expected rejection")
	}
	if prev.Hardware.SampleRateHz != defaultSampleRateHz {
		t.Errorf("Rejected command mutated prev: rate %g", prev.Hardware.SampleRateHz)
	}
}

func TestHardwareConfigEqual(t *testing.T) {
	a := HardwareConfig{CenterFreqHz: 100e6, SampleRateHz: 2e6, LNAGain: 16, VGAGain: 20}
	b := a
	if !a.equal(b) {
		t.Error("Identical configs reported unequal")
	}
	b.SampleRateHz = 2e6 * (1 + 1e-8)
	if !a.equal(b) {
		t.Error("Config within tolerance reported unequal")
	}
	b.SampleRateHz = 2e6 * (1 + 1e-4)
	if a.equal(b) {
		t.Error("Config outside tolerance reported equal")
	}
	b = a
	b.LNAGain = 24
	if a.equal(b) {
		t.Error("Gain change reported equal")
	}
	b = a
	b.AmpEnabled = true
	if a.equal(b) {
		t.Error("Amp change reported equal")
	}
}

func TestDocumentResolvesBack(t *testing.T) {
	cfg, err := ResolveCommand(&CommandDoc{
		CenterFreqHz: ptr(98.5e6),
		RFMode:       ptr("fm"),
		Window:       ptr("flattop"),
		RBWHz:        ptr(500.0),
	}, nil)
	if err != nil {
		t.Fatalf("ResolveCommand failed: %v", err)
	}
	doc := cfg.Document()
	again, err := ResolveCommand(&doc, nil)
	if err != nil {
		t.Fatalf("Status document did not resolve: %v", err)
	}
	if again.Hardware.CenterFreqHz != cfg.Hardware.CenterFreqHz ||
		again.Window != cfg.Window || again.RBWHz != cfg.RBWHz ||
		again.Mode != cfg.Mode {
		t.Error("Round-tripped document differs from original configuration")
	}
	if again.Demod == nil || again.Demod.Type != DemodFM {
		t.Error("Round-tripped document lost the demod chain")
	}
}

func TestLoadCommandFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmd.json")
	body := `{"center_freq_hz": 144.39e6, "rf_mode": "fm", "lna_gain": 32}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	doc, err := LoadCommandFile(path)
	if err != nil {
		t.Fatalf("LoadCommandFile failed: %v", err)
	}
	if doc.CenterFreqHz == nil || *doc.CenterFreqHz != 144.39e6 {
		t.Error("center_freq_hz not parsed")
	}
	if doc.LNAGain == nil || *doc.LNAGain != 32 {
		t.Error("lna_gain not parsed")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("Failed to write bad file: %v", err)
	}
	if _, err := LoadCommandFile(bad); err == nil {
		t.Error("Expected parse error")
	}
	if _, err := LoadCommandFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected read error")
	}
}
