package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.yaml")
	data := []byte("num_cpus: 8\nthree_level_map: true\ndebug_internal: true\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NumCPUs != 8 {
		t.Fatalf("num_cpus = %d, want 8", cfg.NumCPUs)
	}
	if !cfg.ThreeLevelMap || !cfg.DebugInternal {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	// Untouched knobs keep their defaults.
	if cfg.MaxDomains != Default().MaxDomains || !cfg.SMP {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.yaml")
	if err := os.WriteFile(path, []byte("num_cpus: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("zero-cpu configuration accepted")
	}

	if err := os.WriteFile(path, []byte("max_domains: 1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("one-domain configuration accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestPipelineConversion(t *testing.T) {
	cfg := Default()
	cfg.ThreeLevelMap = true
	cfg.PrintkVirq = false

	pc := cfg.Pipeline()
	if pc.MaxDomains != cfg.MaxDomains || !pc.ThreeLevelMap || pc.PrintkVirq {
		t.Fatalf("conversion mismatch: %+v", pc)
	}
}
