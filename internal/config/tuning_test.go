package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/position.report/internal/protocol"
)

const requiredJSON = `{
  "min_anchors": 4,
  "outlier_multiplier": 2.5,
  "range_max_age": "250ms",
  "stale_horizon": "3s"
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
  "min_anchors": 4,
  "outlier_multiplier": 2.5,
  "range_max_age": "250ms",
  "stale_horizon": "3s",
  "dimensions": 3,
  "smoothing": 0.4,
  "solve_interval": "40ms",
  "queue_size": 16
}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig() error = %v", err)
	}
	if cfg.GetMinAnchors() != 4 {
		t.Errorf("GetMinAnchors() = %d, want 4", cfg.GetMinAnchors())
	}
	if cfg.GetOutlierMultiplier() != 2.5 {
		t.Errorf("GetOutlierMultiplier() = %f, want 2.5", cfg.GetOutlierMultiplier())
	}
	if cfg.GetRangeMaxAge() != 250*time.Millisecond {
		t.Errorf("GetRangeMaxAge() = %v, want 250ms", cfg.GetRangeMaxAge())
	}
	if cfg.GetStaleHorizon() != 3*time.Second {
		t.Errorf("GetStaleHorizon() = %v, want 3s", cfg.GetStaleHorizon())
	}
	if cfg.GetDimensions() != 3 {
		t.Errorf("GetDimensions() = %d, want 3", cfg.GetDimensions())
	}
	if cfg.GetSmoothing() != 0.4 {
		t.Errorf("GetSmoothing() = %f, want 0.4", cfg.GetSmoothing())
	}
	if cfg.GetSolveInterval() != 40*time.Millisecond {
		t.Errorf("GetSolveInterval() = %v, want 40ms", cfg.GetSolveInterval())
	}
	if cfg.GetQueueSize() != 16 {
		t.Errorf("GetQueueSize() = %d, want 16", cfg.GetQueueSize())
	}
}

func TestLoadTuningConfigDefaults(t *testing.T) {
	cfg, err := LoadTuningConfig(writeConfig(t, "tuning.json", requiredJSON))
	if err != nil {
		t.Fatalf("LoadTuningConfig() error = %v", err)
	}

	if cfg.GetDimensions() != 2 {
		t.Errorf("GetDimensions() = %d, want 2", cfg.GetDimensions())
	}
	if cfg.GetTagHeight() != 1.0 {
		t.Errorf("GetTagHeight() = %f, want 1.0", cfg.GetTagHeight())
	}
	if cfg.GetMaxIterations() != 25 {
		t.Errorf("GetMaxIterations() = %d, want 25", cfg.GetMaxIterations())
	}
	if cfg.GetSolveInterval() != 100*time.Millisecond {
		t.Errorf("GetSolveInterval() = %v, want 100ms", cfg.GetSolveInterval())
	}
	if cfg.GetMaxTags() != 256 {
		t.Errorf("GetMaxTags() = %d, want 256", cfg.GetMaxTags())
	}
	if cfg.GetQualityTolerancePPM() != 50 {
		t.Errorf("GetQualityTolerancePPM() = %f, want 50", cfg.GetQualityTolerancePPM())
	}
	if cfg.GetRangingTimeout() != 10*time.Millisecond {
		t.Errorf("GetRangingTimeout() = %v, want 10ms", cfg.GetRangingTimeout())
	}
	if cfg.GetRetryBackoff() != 50*time.Millisecond {
		t.Errorf("GetRetryBackoff() = %v, want 50ms", cfg.GetRetryBackoff())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad json", "tuning.json", `{"min_anchors": `},
		{"wrong extension", "tuning.yaml", requiredJSON},
		{"bad duration", "tuning.json", `{"min_anchors": 3, "outlier_multiplier": 3, "range_max_age": "soon", "stale_horizon": "2s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTuningConfig(writeConfig(t, tt.file, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTuningConfigTooLarge(t *testing.T) {
	body := `{"min_anchors": 3, "pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadTuningConfig(writeConfig(t, "big.json", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *TuningConfig {
		return &TuningConfig{
			MinAnchors:        ptrInt(3),
			OutlierMultiplier: ptrFloat64(3),
			RangeMaxAge:       ptrString("500ms"),
			StaleHorizon:      ptrString("2s"),
		}
	}

	tests := []struct {
		name        string
		mutate      func(c *TuningConfig)
		wantMissing bool
		wantErr     bool
	}{
		{name: "valid", mutate: func(c *TuningConfig) {}},
		{name: "missing min_anchors", mutate: func(c *TuningConfig) { c.MinAnchors = nil }, wantMissing: true, wantErr: true},
		{name: "missing multiplier", mutate: func(c *TuningConfig) { c.OutlierMultiplier = nil }, wantMissing: true, wantErr: true},
		{name: "empty range age", mutate: func(c *TuningConfig) { c.RangeMaxAge = ptrString("") }, wantMissing: true, wantErr: true},
		{name: "missing horizon", mutate: func(c *TuningConfig) { c.StaleHorizon = nil }, wantMissing: true, wantErr: true},
		{name: "negative horizon", mutate: func(c *TuningConfig) { c.StaleHorizon = ptrString("-1s") }, wantErr: true},
		{name: "zero backoff allowed", mutate: func(c *TuningConfig) { c.RetryBackoff = ptrString("0s") }},
		{name: "zero timeout", mutate: func(c *TuningConfig) { c.RangingTimeout = ptrString("0s") }, wantErr: true},
		{name: "smoothing above one", mutate: func(c *TuningConfig) { c.Smoothing = ptrFloat64(1.5) }, wantErr: true},
		{name: "zero queue", mutate: func(c *TuningConfig) { c.QueueSize = ptrInt(0) }, wantErr: true},
		{name: "negative ppm", mutate: func(c *TuningConfig) { c.QualityTolerancePPM = ptrFloat64(-1) }, wantErr: true},
		{name: "too few anchors for 3d", mutate: func(c *TuningConfig) { c.Dimensions = ptrInt(3) }, wantErr: true},
		{name: "multiplier at one", mutate: func(c *TuningConfig) { c.OutlierMultiplier = ptrFloat64(1) }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrMissingRequired); got != tt.wantMissing {
				t.Errorf("errors.Is(err, ErrMissingRequired) = %v, want %v", got, tt.wantMissing)
			}
		})
	}
}

func TestSolverParams(t *testing.T) {
	cfg, err := LoadTuningConfig(writeConfig(t, "tuning.json", requiredJSON))
	if err != nil {
		t.Fatalf("LoadTuningConfig() error = %v", err)
	}
	p := cfg.SolverParams()
	if p.MinAnchors != 4 || p.OutlierMultiplier != 2.5 {
		t.Errorf("SolverParams() = %+v, want MinAnchors 4 and OutlierMultiplier 2.5", p)
	}
	if p.Dimensions != 2 || p.Height != 1.0 || p.MaxIterations != 25 {
		t.Errorf("SolverParams() defaults not applied: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("SolverParams().Validate() = %v", err)
	}
}

func TestRangingConfig(t *testing.T) {
	cfg := &TuningConfig{
		AntennaDelayTicks: func() *uint64 { v := uint64(16450); return &v }(),
		ReplyDelay:        ptrString("2ms"),
	}
	rc := cfg.RangingConfig(0x0a01, protocol.RoleResponder)
	if rc.LocalID != 0x0a01 || rc.Role != protocol.RoleResponder {
		t.Errorf("RangingConfig() identity = %#x/%v", rc.LocalID, rc.Role)
	}
	if rc.AntennaDelay != 16450 {
		t.Errorf("AntennaDelay = %d, want 16450", rc.AntennaDelay)
	}
	if rc.ReplyDelay != 2*time.Millisecond {
		t.Errorf("ReplyDelay = %v, want 2ms", rc.ReplyDelay)
	}
	if rc.Timeout != 10*time.Millisecond || rc.Backoff != 50*time.Millisecond {
		t.Errorf("Timeout/Backoff = %v/%v, want defaults", rc.Timeout, rc.Backoff)
	}
}

func TestParseOrFallsBackOnGarbage(t *testing.T) {
	if got := parseOr(ptrString("later"), time.Second); got != time.Second {
		t.Errorf("parseOr() = %v, want 1s", got)
	}
	if got := parseOr(nil, time.Second); got != time.Second {
		t.Errorf("parseOr(nil) = %v, want 1s", got)
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.GetMinAnchors() != 3 {
		t.Errorf("GetMinAnchors() = %d, want 3", cfg.GetMinAnchors())
	}
	if cfg.GetStaleHorizon() != 2*time.Second {
		t.Errorf("GetStaleHorizon() = %v, want 2s", cfg.GetStaleHorizon())
	}
}
