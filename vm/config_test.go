package vm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero young", func(c *Config) { c.Gc.YoungBytes = 0 }, "young_bytes"},
		{"old smaller than young", func(c *Config) { c.Gc.OldBytes = c.Gc.YoungBytes - 1 }, "old_bytes"},
		{"ratio zero", func(c *Config) { c.Gc.TriggerRatio = 0 }, "trigger_ratio"},
		{"ratio above one", func(c *Config) { c.Gc.TriggerRatio = 1.5 }, "trigger_ratio"},
		{"zero mark budget", func(c *Config) { c.Gc.MarkBudget = 0 }, "mark_budget"},
		{"zero hot threshold", func(c *Config) { c.Jit.HotThreshold = 0 }, "hot_threshold"},
		{"zero deopt threshold", func(c *Config) { c.Jit.DeoptThreshold = 0 }, "deopt_threshold"},
		{"zero queue depth", func(c *Config) { c.Jit.QueueDepth = 0 }, "queue_depth"},
		{"zero max frames", func(c *Config) { c.Interp.MaxFrames = 0 }, "max_frames"},
		{"zero safepoint interval", func(c *Config) { c.Interp.SafepointInterval = 0 }, "safepoint_interval"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestJitDisabledSkipsJitValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jit.Enabled = false
	cfg.Jit.HotThreshold = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled jit should not be validated: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osprey.toml")
	body := `
[gc]
young_bytes = 2097152
promote_after = 3

[jit]
hot_threshold = 50

[interp]
max_frames = 128
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gc.YoungBytes != 2<<20 {
		t.Fatalf("young_bytes = %d", cfg.Gc.YoungBytes)
	}
	if cfg.Gc.PromoteAfter != 3 {
		t.Fatalf("promote_after = %d", cfg.Gc.PromoteAfter)
	}
	if cfg.Jit.HotThreshold != 50 {
		t.Fatalf("hot_threshold = %d", cfg.Jit.HotThreshold)
	}
	if cfg.Interp.MaxFrames != 128 {
		t.Fatalf("max_frames = %d", cfg.Interp.MaxFrames)
	}
	// Unset fields keep their defaults.
	if cfg.Gc.OldBytes != DefaultConfig().Gc.OldBytes {
		t.Fatalf("old_bytes = %d, want default", cfg.Gc.OldBytes)
	}
	if !cfg.Jit.Enabled {
		t.Fatal("jit.enabled should default to true")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[gc]\nyoung_bytes = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
