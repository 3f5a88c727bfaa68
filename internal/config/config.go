// Package config holds the coordinator's sectioned, immutable-after-construction
// configuration, loaded once per process revival.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Preset selects a named overlay applied on top of DefaultConfig.
type Preset string

const (
	PresetDevelopment Preset = "development"
	PresetProduction  Preset = "production"
	PresetTesting     Preset = "testing"
)

// KeepaliveConfig controls the periodic alarm that keeps the coordinator resident.
type KeepaliveConfig struct {
	AlarmName          string        `yaml:"alarm_name"`
	IntervalMinutes    float64       `yaml:"interval_minutes"`
}

// Interval returns the keepalive period as a time.Duration.
func (k KeepaliveConfig) Interval() time.Duration {
	return time.Duration(k.IntervalMinutes * float64(time.Minute))
}

// RetryConfig bounds the sender-side exponential-backoff retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// InjectionWorld selects the JS execution context a script is injected into.
type InjectionWorld string

const (
	WorldMain     InjectionWorld = "MAIN"
	WorldIsolated InjectionWorld = "ISOLATED"
)

// InjectionConfig controls page-agent (re-)injection policy.
type InjectionConfig struct {
	ReinjectOnNavigation bool           `yaml:"reinject_on_navigation"`
	NavigationDelay      time.Duration  `yaml:"navigation_delay"`
	AllFrames            bool           `yaml:"all_frames"`
	World                InjectionWorld `yaml:"world"`
	ReinjectDelay        time.Duration  `yaml:"reinject_delay"`
}

// StateConfig controls the persistent state cache.
type StateConfig struct {
	KeyPrefix     string        `yaml:"key_prefix"`
	SaveDebounce  time.Duration `yaml:"save_debounce"`
	AutoRestore   bool          `yaml:"auto_restore"`
	StorageType   string        `yaml:"storage_type"` // "local" | "session"
}

// TabConfig controls tab lifecycle behavior.
type TabConfig struct {
	CloseOnComplete bool `yaml:"close_on_complete"`
	ReuseTab        bool `yaml:"reuse_tab"`
}

// LoggingConfig controls the categorized logger.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug|info|warn|error
	DebugMode  bool   `yaml:"debug_mode"`
	JSONFormat bool   `yaml:"json_format"`
}

// TelemetryConfig gates optional telemetry emission. The core never collects
// metrics itself; this only flags whether collaborators should be told to.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the immutable-after-construction root configuration.
type Config struct {
	Keepalive KeepaliveConfig  `yaml:"keepalive"`
	Retry     RetryConfig      `yaml:"retry"`
	Injection InjectionConfig  `yaml:"injection"`
	State     StateConfig      `yaml:"state"`
	Tab       TabConfig        `yaml:"tab"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// DefaultConfig returns the baseline configuration before any preset overlay.
func DefaultConfig() *Config {
	return &Config{
		Keepalive: KeepaliveConfig{
			AlarmName:       "bg-keepalive",
			IntervalMinutes: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			JitterFactor: 0.1,
		},
		Injection: InjectionConfig{
			ReinjectOnNavigation: true,
			NavigationDelay:      250 * time.Millisecond,
			AllFrames:            true,
			World:                WorldIsolated,
			ReinjectDelay:        250 * time.Millisecond,
		},
		State: StateConfig{
			KeyPrefix:    "bg_",
			SaveDebounce: 200 * time.Millisecond,
			AutoRestore:  true,
			StorageType:  "local",
		},
		Tab: TabConfig{
			CloseOnComplete: false,
			ReuseTab:        true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			DebugMode:  false,
			JSONFormat: true,
		},
		Telemetry: TelemetryConfig{Enabled: false},
	}
}

// ApplyPreset overlays a named preset on top of the receiver, returning the
// receiver for chaining. Presets are applied at construction time only.
func (c *Config) ApplyPreset(p Preset) *Config {
	switch p {
	case PresetDevelopment:
		c.Keepalive.IntervalMinutes = 0.25
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
		c.Logging.JSONFormat = false
		c.Injection.NavigationDelay = 100 * time.Millisecond
		c.State.SaveDebounce = 0
	case PresetProduction:
		c.Keepalive.IntervalMinutes = 1
		c.Logging.DebugMode = false
		c.Logging.Level = "warn"
		c.Logging.JSONFormat = true
		c.Telemetry.Enabled = true
	case PresetTesting:
		c.Keepalive.IntervalMinutes = 0.01
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
		c.State.SaveDebounce = 0
		c.State.AutoRestore = true
		c.Injection.NavigationDelay = 10 * time.Millisecond
		c.Retry.BaseDelay = 1 * time.Millisecond
		c.Retry.MaxDelay = 20 * time.Millisecond
	}
	return c
}

// Validate enforces the Config invariants: interval and timeouts strictly
// positive, 0 <= jitter <= 1, retry attempts >= 1.
func (c *Config) Validate() error {
	if c.Keepalive.IntervalMinutes <= 0 {
		return fmt.Errorf("config: keepalive.interval_minutes must be positive, got %v", c.Keepalive.IntervalMinutes)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: retry.base_delay must be positive, got %v", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("config: retry.max_delay must be positive, got %v", c.Retry.MaxDelay)
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("config: retry.jitter_factor must be in [0,1], got %v", c.Retry.JitterFactor)
	}
	if c.Injection.NavigationDelay <= 0 {
		return fmt.Errorf("config: injection.navigation_delay must be positive, got %v", c.Injection.NavigationDelay)
	}
	if c.Injection.World != WorldMain && c.Injection.World != WorldIsolated {
		return fmt.Errorf("config: injection.world must be MAIN or ISOLATED, got %q", c.Injection.World)
	}
	if c.State.KeyPrefix == "" {
		return fmt.Errorf("config: state.key_prefix must not be empty")
	}
	if c.State.StorageType != "local" && c.State.StorageType != "session" {
		return fmt.Errorf("config: state.storage_type must be local or session, got %q", c.State.StorageType)
	}
	return nil
}

// Load reads YAML configuration from path, overlays preset p, validates, and
// returns the result. A missing file is not an error: defaults plus preset
// are used instead, matching a first-run process revival with no prior config.
func Load(path string, p Preset) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.ApplyPreset(p)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
