package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.DataDir != "~/.famcore/data" {
		t.Errorf("expected default data dir ~/.famcore/data, got %s", cfg.Paths.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.WM.Capacity != 12 {
		t.Errorf("expected wm capacity 12, got %d", cfg.WM.Capacity)
	}
	if cfg.WM.IdleTimeoutMin != 30 {
		t.Errorf("expected wm idle timeout 30, got %d", cfg.WM.IdleTimeoutMin)
	}
	if cfg.ATG.ThresholdBase != 0.55 {
		t.Errorf("expected atg threshold 0.55, got %v", cfg.ATG.ThresholdBase)
	}
	if got := cfg.RP.WeightFTS + cfg.RP.WeightVector + cfg.RP.WeightKG + cfg.RP.WeightEpisodic + cfg.RP.WeightHippocampus; math.Abs(got-1) > 1e-9 {
		t.Errorf("expected rp weights to sum to 1, got %v", got)
	}
	if cfg.Vector.Dim <= 0 {
		t.Error("expected a positive default vector dimension")
	}
	if cfg.Vector.Metric != "cosine" {
		t.Errorf("expected vector metric cosine, got %s", cfg.Vector.Metric)
	}
	if cfg.SYN.OutboxMax != 500 {
		t.Errorf("expected syn outbox max 500, got %d", cfg.SYN.OutboxMax)
	}
	if cfg.SYN.UndoWindowSec != 900 {
		t.Errorf("expected undo window 900s, got %d", cfg.SYN.UndoWindowSec)
	}
	if cfg.Policy.ModelVersion == "" {
		t.Error("expected a non-empty default policy model version")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)
	_ = os.Setenv("HOME", filepath.Join(tmpDir, "does-not-exist"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WM.Capacity != 12 {
		t.Fatalf("expected default capacity when no config file exists, got %d", cfg.WM.Capacity)
	}
}

func TestLoadAppliesFileOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, ConfigDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	body := `{"wm": {"capacity": 18}, "syn": {"outboxMax": 750}}`
	if err := os.WriteFile(filepath.Join(configDir, ConfigFile), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	origHome := os.Getenv("HOME")
	defer os.Setenv("HOME", origHome)
	_ = os.Setenv("HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WM.Capacity != 18 {
		t.Fatalf("expected wm.capacity from file, got %d", cfg.WM.Capacity)
	}
	if cfg.SYN.OutboxMax != 750 {
		t.Fatalf("expected syn.outboxMax from file, got %d", cfg.SYN.OutboxMax)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	origHome := os.Getenv("HOME")
	origVal := os.Getenv("FAMCORE_ATG_THRESHOLD_BASE")
	defer os.Setenv("HOME", origHome)
	defer os.Setenv("FAMCORE_ATG_THRESHOLD_BASE", origVal)
	_ = os.Setenv("HOME", tmpDir)
	_ = os.Setenv("FAMCORE_ATG_THRESHOLD_BASE", "0.7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ATG.ThresholdBase != 0.7 {
		t.Fatalf("expected env override for atg.thresholdBase, got %v", cfg.ATG.ThresholdBase)
	}
}

func TestRetentionConfigLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention["personal:alice"] = 48 * time.Hour
	if cfg.Retention["personal:alice"] != 48*time.Hour {
		t.Fatalf("expected retention override to round-trip")
	}
	if _, ok := cfg.Retention["shared:household"]; ok {
		t.Fatalf("expected no default retention entry for an unconfigured space")
	}
}
