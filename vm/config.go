package vm

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ---------------------------------------------------------------------------
// Engine configuration
// ---------------------------------------------------------------------------

// GcConfig tunes the collector.
type GcConfig struct {
	// YoungBytes is the nursery capacity; exceeding it triggers a minor
	// collection at the next safepoint.
	YoungBytes uint64 `toml:"young_bytes"`
	// OldBytes is the old-generation capacity used with TriggerRatio.
	OldBytes uint64 `toml:"old_bytes"`
	// LargeThreshold routes allocations at or above this size straight to
	// the large-object space.
	LargeThreshold uint32 `toml:"large_threshold"`
	// TriggerRatio starts a full cycle when old occupancy crosses
	// OldBytes * TriggerRatio.
	TriggerRatio float64 `toml:"trigger_ratio"`
	// MarkBudget is the number of objects marked per incremental slice.
	MarkBudget int `toml:"mark_budget"`
	// PromoteAfter is how many minor cycles an object survives before
	// promotion to the old generation.
	PromoteAfter uint8 `toml:"promote_after"`
}

// JitConfig tunes tiered compilation.
type JitConfig struct {
	Enabled bool `toml:"enabled"`
	// HotThreshold is the call count at which a function is queued.
	HotThreshold uint32 `toml:"hot_threshold"`
	// DeoptThreshold is the bailout count at which a function is
	// permanently deoptimized.
	DeoptThreshold uint32 `toml:"deopt_threshold"`
	// QueueDepth bounds the compile request channel.
	QueueDepth int `toml:"queue_depth"`
}

// InterpConfig tunes the interpreter.
type InterpConfig struct {
	// MaxFrames bounds call depth; overflow raises a guest RangeError.
	MaxFrames int `toml:"max_frames"`
	// SafepointInterval is the instruction count between safepoint polls.
	SafepointInterval int `toml:"safepoint_interval"`
}

// Config is the full engine configuration, loadable from TOML.
type Config struct {
	Gc     GcConfig     `toml:"gc"`
	Jit    JitConfig    `toml:"jit"`
	Interp InterpConfig `toml:"interp"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Gc: GcConfig{
			YoungBytes:     1 << 20,  // 1 MiB
			OldBytes:       16 << 20, // 16 MiB
			LargeThreshold: 8 << 10,  // 8 KiB
			TriggerRatio:   0.75,
			MarkBudget:     2048,
			PromoteAfter:   2,
		},
		Jit: JitConfig{
			Enabled:        true,
			HotThreshold:   100,
			DeoptThreshold: 10,
			QueueDepth:     256,
		},
		Interp: InterpConfig{
			MaxFrames:         4096,
			SafepointInterval: 1024,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Gc.YoungBytes == 0 {
		return fmt.Errorf("vm: config: gc.young_bytes must be positive")
	}
	if c.Gc.OldBytes < c.Gc.YoungBytes {
		return fmt.Errorf("vm: config: gc.old_bytes (%d) smaller than gc.young_bytes (%d)",
			c.Gc.OldBytes, c.Gc.YoungBytes)
	}
	if c.Gc.TriggerRatio <= 0 || c.Gc.TriggerRatio > 1 {
		return fmt.Errorf("vm: config: gc.trigger_ratio %g outside (0,1]", c.Gc.TriggerRatio)
	}
	if c.Gc.MarkBudget <= 0 {
		return fmt.Errorf("vm: config: gc.mark_budget must be positive")
	}
	if c.Jit.Enabled {
		if c.Jit.HotThreshold == 0 {
			return fmt.Errorf("vm: config: jit.hot_threshold must be positive")
		}
		if c.Jit.DeoptThreshold == 0 {
			return fmt.Errorf("vm: config: jit.deopt_threshold must be positive")
		}
		if c.Jit.QueueDepth <= 0 {
			return fmt.Errorf("vm: config: jit.queue_depth must be positive")
		}
	}
	if c.Interp.MaxFrames <= 0 {
		return fmt.Errorf("vm: config: interp.max_frames must be positive")
	}
	if c.Interp.SafepointInterval <= 0 {
		return fmt.Errorf("vm: config: interp.safepoint_interval must be positive")
	}
	return nil
}

// LoadConfig reads a TOML config file, filling unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("vm: load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
