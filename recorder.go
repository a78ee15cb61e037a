package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/parquet-go"

	"github.com/rxmon/pkg/logging"
)

// SweepRow is one campaign sweep: full PSD vector plus the tuning that
// produced it. The resolved configuration rides along as file metadata.
type SweepRow struct {
	TimestampMs  int64     `parquet:"timestamp_ms"`
	CenterFreqHz float64   `parquet:"center_freq_hz"`
	SampleRateHz float64   `parquet:"sample_rate_hz"`
	StartFreqHz  float64   `parquet:"start_freq_hz"`
	EndFreqHz    float64   `parquet:"end_freq_hz"`
	BinCount     int32     `parquet:"bin_count"`
	Pxx          []float64 `parquet:"pxx,list"`
}

// CampaignStatus is the campaign block of the status heartbeat.
type CampaignStatus struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Rows      uint64 `json:"rows"`
	StartedMs int64  `json:"started_ms"`
}

// CampaignRecorder appends sweeps to a parquet file, one session per
// configuration. Append and Status are called from different goroutines.
type CampaignRecorder struct {
	log *logging.Logger

	mu        sync.Mutex
	file      *os.File
	w         *parquet.GenericWriter[SweepRow]
	sessionID string
	path      string
	rows      uint64
	startedMs int64
	closed    bool
}

func NewCampaignRecorder(dataDir string, cfg *EngineConfig, log *logging.Logger) (*CampaignRecorder, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("campaign data dir: %w", err)
	}
	id := uuid.NewString()
	name := fmt.Sprintf("campaign_%s_%s.parquet",
		time.Now().UTC().Format("20060102T150405Z"), id[:8])
	path := filepath.Join(dataDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("campaign file: %w", err)
	}
	doc := cfg.Document()
	docJSON, _ := json.Marshal(doc)
	w := parquet.NewGenericWriter[SweepRow](f,
		parquet.KeyValueMetadata("rxmon_config", string(docJSON)),
		parquet.KeyValueMetadata("session_id", id),
	)

	rec := &CampaignRecorder{
		log:       log.With("component", "campaign"),
		file:      f,
		w:         w,
		sessionID: id,
		path:      path,
		startedMs: time.Now().UnixMilli(),
	}
	rec.log.Infof("campaign session %s recording to %s", id[:8], path)
	return rec, nil
}

// Append writes one sweep row.
func (r *CampaignRecorder) Append(msg *PSDMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("campaign recorder closed")
	}
	row := SweepRow{
		TimestampMs:  msg.TimestampMs,
		CenterFreqHz: msg.CenterFreqHz,
		SampleRateHz: msg.SampleRateHz,
		StartFreqHz:  msg.StartFreqHz,
		EndFreqHz:    msg.EndFreqHz,
		BinCount:     int32(msg.BinCount),
		Pxx:          msg.Pxx,
	}
	if _, err := r.w.Write([]SweepRow{row}); err != nil {
		return err
	}
	r.rows++
	return nil
}

// Close flushes the parquet footer and closes the file. Safe to call more
// than once.
func (r *CampaignRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.log.Infof("campaign session %s closed after %d sweeps", r.sessionID[:8], r.rows)
	if err := r.w.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func (r *CampaignRecorder) Status() *CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &CampaignStatus{
		SessionID: r.sessionID,
		Path:      r.path,
		Rows:      r.rows,
		StartedMs: r.startedMs,
	}
}
