// Package config loads the board profile: guest memory layout, console
// options and run limits. Profiles are YAML files; anything not set falls
// back to the built-in defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const pageSize = 0x1000

// Window is a contiguous guest memory region.
type Window struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// End returns one past the last byte of the window.
func (w Window) End() uint64 { return w.Base + w.Size }

// Overlaps reports whether two windows share any address.
func (w Window) Overlaps(o Window) bool {
	return w.Base < o.End() && o.Base < w.End()
}

// Layout describes the guest address space the machine maps at startup.
type Layout struct {
	Code  Window `yaml:"code"`
	Stack Window `yaml:"stack"`
	Heap  Window `yaml:"heap"`
	TLS   Window `yaml:"tls"`
	Stubs Window `yaml:"stubs"`
}

// Console holds the character I/O options.
type Console struct {
	// CRLF expands \n to \r\n on the output path.
	CRLF bool `yaml:"crlf"`
	// Sync serializes console output across goroutines.
	Sync bool `yaml:"sync"`
}

// Limits bounds a run.
type Limits struct {
	// MaxInstructions stops the run after this many instructions.
	// Zero means unlimited.
	MaxInstructions int `yaml:"max_instructions"`
}

// Config is the full board profile.
type Config struct {
	Layout  Layout  `yaml:"layout"`
	Console Console `yaml:"console"`
	Limits  Limits  `yaml:"limits"`
}

// Default returns the built-in board profile.
func Default() *Config {
	return &Config{
		Layout: Layout{
			Code:  Window{Base: 0x00010000, Size: 0x01000000}, // 16MB
			Stack: Window{Base: 0x80000000, Size: 0x00100000}, // 1MB
			Heap:  Window{Base: 0x90000000, Size: 0x10000000}, // 256MB
			TLS:   Window{Base: 0xDEAC0000, Size: 0x00010000}, // 64KB
			Stubs: Window{Base: 0xF0000000, Size: 0x00100000}, // 1MB
		},
		Console: Console{
			CRLF: true,
			Sync: true,
		},
		Limits: Limits{
			MaxInstructions: 500,
		},
	}
}

// Load reads a YAML profile over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks window alignment and overlap. The machine maps each window
// with page granularity, so bases and sizes must be page-aligned.
func (c *Config) Validate() error {
	windows := []struct {
		name string
		w    Window
	}{
		{"code", c.Layout.Code},
		{"stack", c.Layout.Stack},
		{"heap", c.Layout.Heap},
		{"tls", c.Layout.TLS},
		{"stubs", c.Layout.Stubs},
	}

	for _, x := range windows {
		if x.w.Size == 0 {
			return fmt.Errorf("%s window has zero size", x.name)
		}
		if x.w.Base%pageSize != 0 || x.w.Size%pageSize != 0 {
			return fmt.Errorf("%s window not page-aligned (base=0x%x size=0x%x)", x.name, x.w.Base, x.w.Size)
		}
	}

	for i := range windows {
		for j := i + 1; j < len(windows); j++ {
			if windows[i].w.Overlaps(windows[j].w) {
				return fmt.Errorf("%s and %s windows overlap", windows[i].name, windows[j].name)
			}
		}
	}

	if c.Limits.MaxInstructions < 0 {
		return fmt.Errorf("max_instructions must be >= 0")
	}
	return nil
}
