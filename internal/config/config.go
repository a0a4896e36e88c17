// Package config loads the pipeline tuning knobs from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqpipe"
)

// Config is the on-disk configuration of a pipeline and the machine it
// runs on.
type Config struct {
	// NumCPUs sizes the simulated machine.
	NumCPUs int `yaml:"num_cpus"`

	// MaxDomains bounds concurrently registered domains.
	MaxDomains int `yaml:"max_domains"`

	// ThreeLevelMap selects the deeper pending bitmap.
	ThreeLevelMap bool `yaml:"three_level_map"`

	// SMP enables the cross-CPU machinery.
	SMP bool `yaml:"smp"`

	// DebugContextCheck arms domain-border diagnostics.
	DebugContextCheck bool `yaml:"debug_context_check"`

	// DebugInternal enables hot-path assertions.
	DebugInternal bool `yaml:"debug_internal"`

	// PrintkVirq reserves the deferred-logging vector.
	PrintkVirq bool `yaml:"printk_virq"`
}

// Default returns the stock configuration: a 4-CPU SMP machine with the
// two-level map and deferred logging.
func Default() Config {
	return Config{
		NumCPUs:    4,
		MaxDomains: 4,
		SMP:        true,
		PrintkVirq: true,
	}
}

// Load reads a YAML configuration from path, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot honor.
func (c Config) Validate() error {
	if c.NumCPUs < 1 || c.NumCPUs > 64 {
		return fmt.Errorf("config: num_cpus %d out of range [1,64]", c.NumCPUs)
	}
	if c.MaxDomains < 2 || c.MaxDomains > 64 {
		return fmt.Errorf("config: max_domains %d out of range [2,64]", c.MaxDomains)
	}
	return nil
}

// Pipeline converts c into the construction knobs of irqpipe.New.
func (c Config) Pipeline() irqpipe.Config {
	return irqpipe.Config{
		MaxDomains:        c.MaxDomains,
		ThreeLevelMap:     c.ThreeLevelMap,
		SMP:               c.SMP,
		DebugContextCheck: c.DebugContextCheck,
		DebugInternal:     c.DebugInternal,
		PrintkVirq:        c.PrintkVirq,
	}
}
