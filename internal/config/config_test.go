package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"syncline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
dedup:
  cache_size: 128
  ttl: 5m
  max_causation_depth: 2
batch:
  size: 4
  delay: 50ms
  max_wait: 500ms
transitions:
  debounce_window: 250ms
  allow_backward_auto: true
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dedup.CacheSize != 128 || cfg.Dedup.TTL.Std() != 5*time.Minute || cfg.Dedup.MaxCausationDepth != 2 {
		t.Fatalf("dedup section not applied: %+v", cfg.Dedup)
	}
	if cfg.Batch.Size != 4 || cfg.Batch.Delay.Std() != 50*time.Millisecond {
		t.Fatalf("batch section not applied: %+v", cfg.Batch)
	}
	if cfg.Transitions.DebounceWindow.Std() != 250*time.Millisecond || !cfg.Transitions.AllowBackwardAuto {
		t.Fatalf("transitions section not applied: %+v", cfg.Transitions)
	}
	// untouched sections keep their defaults
	if cfg.Migration.MaxAttempts != 3 {
		t.Fatalf("defaults lost for untouched sections: %+v", cfg.Migration)
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	if _, err := config.FromYAML([]byte("batch:\n  delay: soon\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*config.Config){
		func(c *config.Config) { c.Dedup.CacheSize = 0 },
		func(c *config.Config) { c.Dedup.TTL = 0 },
		func(c *config.Config) { c.Dedup.MaxCausationDepth = -1 },
		func(c *config.Config) { c.Batch.Size = 0 },
		func(c *config.Config) { c.Batch.MaxWait = c.Batch.Delay - 1 },
		func(c *config.Config) { c.Transitions.GraceWindow = 0 },
		func(c *config.Config) { c.Migration.MaxAttempts = 0 },
		func(c *config.Config) { c.Audit.Interval = 0 },
	}
	for i, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncline.yml")
	if err := os.WriteFile(path, []byte("batch:\n  size: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNCLINE_TRANSITIONS_DEBOUNCE_WINDOW", "3s")
	t.Setenv("SYNCLINE_BATCH_SIZE", "20")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transitions.DebounceWindow.Std() != 3*time.Second {
		t.Fatalf("env debounce override not applied: %v", cfg.Transitions.DebounceWindow.Std())
	}
	if cfg.Batch.Size != 20 {
		t.Fatalf("env should win over file, got %d", cfg.Batch.Size)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
	cfg, err := config.Load("")
	if err != nil || cfg == nil {
		t.Fatalf("empty path should fall back to defaults: %v", err)
	}
}
