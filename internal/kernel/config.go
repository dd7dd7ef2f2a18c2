package kernel

import (
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	TickMS          int `yaml:"tick_ms"`          // 10 (by default), wall-clock length of a tick under Run
	TimeSlice       int `yaml:"time_slice"`       // 0 (by default), ticks per slice for tasks that set none; 0 = cooperative FIFO
	MaxPriority     int `yaml:"max_priority"`     // 31 (by default), least urgent legal priority
	DefaultPriority int `yaml:"default_priority"` // 16 (by default)
	StackSize       int `yaml:"stack_size"`       // 1024 (by default), bytes reserved per task when no stack is given
	HeapSize        int `yaml:"heap_size"`        // 64 KiB (by default), size of the kernel heap byte pool
}

// DefaultConfig is used when no config file is given.
func DefaultConfig() Config {
	return Config{
		TickMS:          10,
		TimeSlice:       0,
		MaxPriority:     31,
		DefaultPriority: 16,
		StackSize:       1024,
		HeapSize:        64 * 1024,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
// A missing file also yields the defaults, a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.sanitize(), nil
}

// sanity clamps
func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.TimeSlice < 0 {
		c.TimeSlice = 0
	}
	if c.MaxPriority <= 0 || c.MaxPriority > 1023 {
		c.MaxPriority = def.MaxPriority
	}
	if c.DefaultPriority < 0 || c.DefaultPriority > c.MaxPriority {
		c.DefaultPriority = c.MaxPriority / 2
	}
	if c.StackSize <= 0 {
		c.StackSize = def.StackSize
	}
	if c.HeapSize <= 0 {
		c.HeapSize = def.HeapSize
	}
	return c
}
