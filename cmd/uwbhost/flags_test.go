package main

import (
	"testing"
	"time"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/serialmux"
)

// TestFlagDefaults verifies the host starts with no ingestion enabled and
// the stock ports and paths.
func TestFlagDefaults(t *testing.T) {
	if *configPath != config.DefaultConfigPath {
		t.Errorf("expected config default %q, got %q", config.DefaultConfigPath, *configPath)
	}
	if *listen != ":8080" {
		t.Errorf("expected listen default :8080, got %q", *listen)
	}
	if *baudRate != serialmux.DefaultBaudRate {
		t.Errorf("expected baud default %d, got %d", serialmux.DefaultBaudRate, *baudRate)
	}
	if *pcapPort != 7100 {
		t.Errorf("expected pcap-port default 7100, got %d", *pcapPort)
	}
	if *retain != 24*time.Hour {
		t.Errorf("expected retain default 24h, got %v", *retain)
	}
	if *grpcListen != "" {
		t.Errorf("expected gRPC stream disabled by default, got %q", *grpcListen)
	}
	if *udpListen != "" || *serialPort != "" || *pcapFile != "" {
		t.Error("no ingestion source should be enabled by default")
	}
}

// TestDefaultConfigLoads checks the shipped tuning file is valid, since the
// host refuses to start without it.
func TestDefaultConfigLoads(t *testing.T) {
	cfg, err := config.LoadTuningConfig("../../" + config.DefaultConfigPath)
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	if cfg.GetMinAnchors() < 3 {
		t.Errorf("expected at least 3 anchors required, got %d", cfg.GetMinAnchors())
	}
}

func TestExampleSurveysLoad(t *testing.T) {
	for _, path := range []string{"../../config/anchors.example.toml", "../../config/anchors.example.yaml"} {
		s, err := config.LoadSurvey(path)
		if err != nil {
			t.Fatalf("LoadSurvey(%s): %v", path, err)
		}
		if len(s.Positions()) != 4 {
			t.Errorf("%s: expected 4 anchors, got %d", path, len(s.Positions()))
		}
	}
}
