package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "250ms" or "1s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config models syncline.yml.
type Config struct {
	Dedup struct {
		CacheSize         int      `yaml:"cache_size"`
		TTL               Duration `yaml:"ttl"`
		MaxCausationDepth int      `yaml:"max_causation_depth"`
	} `yaml:"dedup"`
	Batch struct {
		Size       int      `yaml:"size"`
		Delay      Duration `yaml:"delay"`
		MaxWait    Duration `yaml:"max_wait"`
		MaxRetries int      `yaml:"max_retries"`
	} `yaml:"batch"`
	Transitions struct {
		DebounceWindow Duration `yaml:"debounce_window"`
		GraceWindow    Duration `yaml:"grace_window"`
		// AllowBackwardAuto lets Auto rules move an entity to an earlier
		// phase without Manual/Hybrid confirmation. Off by default.
		AllowBackwardAuto bool `yaml:"allow_backward_auto"`
	} `yaml:"transitions"`
	Migration struct {
		MaxAttempts int      `yaml:"max_attempts"`
		Backoff     Duration `yaml:"backoff"`
		MaxWait     Duration `yaml:"max_wait"`
	} `yaml:"migration"`
	Audit struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"audit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Dedup.CacheSize = 4096
	c.Dedup.TTL = Duration(10 * time.Minute)
	c.Dedup.MaxCausationDepth = 1
	c.Batch.Size = 10
	c.Batch.Delay = Duration(100 * time.Millisecond)
	c.Batch.MaxWait = Duration(2 * time.Second)
	c.Batch.MaxRetries = 3
	c.Transitions.DebounceWindow = Duration(time.Second)
	c.Transitions.GraceWindow = Duration(30 * time.Second)
	c.Migration.MaxAttempts = 3
	c.Migration.Backoff = Duration(500 * time.Millisecond)
	c.Migration.MaxWait = Duration(30 * time.Second)
	c.Audit.Interval = Duration(time.Minute)
	return c
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads config from path (optional) and overlays SYNCLINE_* environment
// variables for the tunable knobs.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config %s not found", path)
			}
			return nil, err
		}
		cfg, err = FromYAML(data)
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("SYNCLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if d := v.GetDuration("transitions.debounce_window"); d > 0 {
		cfg.Transitions.DebounceWindow = Duration(d)
	}
	if d := v.GetDuration("transitions.grace_window"); d > 0 {
		cfg.Transitions.GraceWindow = Duration(d)
	}
	if v.IsSet("transitions.allow_backward_auto") {
		cfg.Transitions.AllowBackwardAuto = v.GetBool("transitions.allow_backward_auto")
	}
	if n := v.GetInt("dedup.max_causation_depth"); n > 0 {
		cfg.Dedup.MaxCausationDepth = n
	}
	if n := v.GetInt("batch.size"); n > 0 {
		cfg.Batch.Size = n
	}
	if n := v.GetInt("migration.max_attempts"); n > 0 {
		cfg.Migration.MaxAttempts = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dedup.CacheSize <= 0 {
		return fmt.Errorf("config.dedup.cache_size must be positive")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("config.dedup.ttl must be positive")
	}
	if c.Dedup.MaxCausationDepth < 0 {
		return fmt.Errorf("config.dedup.max_causation_depth must not be negative")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("config.batch.size must be positive")
	}
	if c.Batch.Delay <= 0 {
		return fmt.Errorf("config.batch.delay must be positive")
	}
	if c.Batch.MaxWait < c.Batch.Delay {
		return fmt.Errorf("config.batch.max_wait must be >= config.batch.delay")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("config.batch.max_retries must not be negative")
	}
	if c.Transitions.DebounceWindow < 0 {
		return fmt.Errorf("config.transitions.debounce_window must not be negative")
	}
	if c.Transitions.GraceWindow <= 0 {
		return fmt.Errorf("config.transitions.grace_window must be positive")
	}
	if c.Migration.MaxAttempts <= 0 {
		return fmt.Errorf("config.migration.max_attempts must be positive")
	}
	if c.Migration.Backoff < 0 {
		return fmt.Errorf("config.migration.backoff must not be negative")
	}
	if c.Audit.Interval <= 0 {
		return fmt.Errorf("config.audit.interval must be positive")
	}
	return nil
}
