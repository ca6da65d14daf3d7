// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/capture"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/narrative"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/show"
)

var ErrInvalid = errors.New("config: invalid")

// Output driver kinds.
const (
	DriverNull      = "null"
	DriverSimulated = "simulated"
)

// Config is the top-level lightwave.yaml.
type Config struct {
	Render    render.Config               `yaml:"render"`
	Narrative NarrativeConfig             `yaml:"narrative"`
	Audio     audio.Config                `yaml:"audio"`
	Show      show.Config                 `yaml:"show"`
	Output    OutputConfig                `yaml:"output"`
	Capture   capture.Config              `yaml:"capture"`
	Units     UnitsConfig                 `yaml:"units"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Logging   logging.Config              `yaml:"logging"`
}

// NarrativeConfig adds the start state to the phase timings.
type NarrativeConfig struct {
	Enabled          bool `yaml:"enabled"`
	narrative.Config `yaml:",inline"`
}

// OutputConfig selects the LED driver.
type OutputConfig struct {
	Driver string `yaml:"driver"` // null | simulated
	// WireTime is the simulated per-LED transfer time.
	WireTime time.Duration  `yaml:"wire_time"`
	Breaker  BreakerSection `yaml:"breaker"`
}

// BreakerSection wraps the driver in a circuit breaker when enabled.
type BreakerSection struct {
	Enabled              bool `yaml:"enabled"`
	output.BreakerConfig `yaml:",inline"`
}

// UnitConfig fixes one unit's scheduling.
type UnitConfig struct {
	Core      int           `yaml:"core"`
	Priority  int           `yaml:"priority"`
	QueueSize int           `yaml:"queue_size"`
	Tick      time.Duration `yaml:"tick"`
}

// UnitsConfig holds per-unit scheduling.
type UnitsConfig struct {
	Renderer    UnitConfig `yaml:"renderer"`
	Audio       UnitConfig `yaml:"audio"`
	Show        UnitConfig `yaml:"show"`
	Recorder    UnitConfig `yaml:"recorder"`
	Diagnostics UnitConfig `yaml:"diagnostics"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default is a runnable configuration with the simulated driver.
func Default() Config {
	a := audio.DefaultConfig()
	return Config{
		Render:    render.DefaultConfig(),
		Narrative: NarrativeConfig{Enabled: true, Config: narrative.DefaultConfig()},
		Audio:     a,
		Show:      show.DefaultConfig(),
		Output: OutputConfig{
			Driver:   DriverSimulated,
			WireTime: output.DefaultWireTime,
			Breaker:  BreakerSection{Enabled: true, BreakerConfig: output.DefaultBreakerConfig()},
		},
		Capture: capture.DefaultConfig(),
		Units: UnitsConfig{
			Renderer:    UnitConfig{Core: 1, Priority: 5, QueueSize: 32},
			Audio:       UnitConfig{Core: 0, Priority: 4, QueueSize: 8, Tick: a.BlockDuration()},
			Show:        UnitConfig{Core: actor.AnyCore, Priority: 2, QueueSize: 8, Tick: show.DefaultConfig().Tick},
			Recorder:    UnitConfig{Core: actor.AnyCore, Priority: 1, QueueSize: 8, Tick: capture.DefaultConfig().Interval},
			Diagnostics: UnitConfig{Core: actor.AnyCore, Priority: 1, QueueSize: 16, Tick: time.Second},
		},
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:9464"},
		Tracing: observability.DefaultTracingConfig(),
		Logging: logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads path over Default, then applies defaults and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data over Default, then applies defaults and validates.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills values a file may have zeroed.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Render.FPS == 0 && c.Render.Budget == 0 {
		c.Render.FPS = def.Render.FPS
	}
	if len(c.Render.Layout.Segments) == 0 {
		c.Render.Layout = def.Render.Layout
	}
	if c.Render.Gamma == 0 {
		c.Render.Gamma = def.Render.Gamma
	}
	if len(c.Audio.Bands) == 0 {
		c.Audio.Bands = def.Audio.Bands
	}
	if c.Audio.Decay == 0 {
		c.Audio.Decay = def.Audio.Decay
	}
	if c.Output.Driver == "" {
		c.Output.Driver = def.Output.Driver
	}
	c.Output.Driver = strings.ToLower(c.Output.Driver)
	if c.Output.WireTime == 0 {
		c.Output.WireTime = def.Output.WireTime
	}
	if c.Output.Breaker.Failures == 0 {
		c.Output.Breaker.Failures = def.Output.Breaker.Failures
	}
	if c.Output.Breaker.Cooldown == 0 {
		c.Output.Breaker.Cooldown = def.Output.Breaker.Cooldown
	}
	if c.Show.Tick == 0 {
		c.Show.Tick = def.Show.Tick
	}
	if c.Capture.Interval == 0 {
		c.Capture.Interval = def.Capture.Interval
	}
	if c.Capture.Path == "" {
		c.Capture.Path = def.Capture.Path
	}

	// periodic units follow their section unless set explicitly
	if c.Units.Audio.Tick == 0 {
		c.Units.Audio.Tick = c.Audio.BlockDuration()
	}
	if c.Units.Show.Tick == 0 {
		c.Units.Show.Tick = c.Show.Tick
	}
	if c.Units.Recorder.Tick == 0 {
		c.Units.Recorder.Tick = c.Capture.Interval
	}
	if c.Units.Diagnostics.Tick == 0 {
		c.Units.Diagnostics.Tick = def.Units.Diagnostics.Tick
	}
	// the renderer paces itself
	c.Units.Renderer.Tick = 0

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = def.Metrics.Addr
	}
	c.Tracing = observability.TracingConfigFromEnv(c.Tracing)
	c.Logging = logging.ConfigFromEnv(c.Logging)
}

// Validate reports every problem found.
func (c Config) Validate() error {
	var errs []error
	if err := c.Render.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Narrative.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Audio.Enabled {
		if err := c.Audio.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Show.Enabled && c.Show.Script == "" {
		errs = append(errs, fmt.Errorf("%w: show.script required when show is enabled", ErrInvalid))
	}
	switch c.Output.Driver {
	case DriverNull, DriverSimulated:
	default:
		errs = append(errs, fmt.Errorf("%w: output.driver %q (want null or simulated)", ErrInvalid, c.Output.Driver))
	}
	if c.Output.WireTime < 0 {
		errs = append(errs, fmt.Errorf("%w: output.wire_time %s", ErrInvalid, c.Output.WireTime))
	}
	if c.Capture.Interval < 0 {
		errs = append(errs, fmt.Errorf("%w: capture.interval %s", ErrInvalid, c.Capture.Interval))
	}
	for name, u := range map[string]UnitConfig{
		"renderer":    c.Units.Renderer,
		"audio":       c.Units.Audio,
		"show":        c.Units.Show,
		"recorder":    c.Units.Recorder,
		"diagnostics": c.Units.Diagnostics,
	} {
		if u.Core < actor.AnyCore {
			errs = append(errs, fmt.Errorf("%w: units.%s.core %d", ErrInvalid, name, u.Core))
		}
		if u.Priority < actor.MinPriority || u.Priority > actor.MaxPriority {
			errs = append(errs, fmt.Errorf("%w: units.%s.priority %d outside [%d,%d]", ErrInvalid, name, u.Priority, actor.MinPriority, actor.MaxPriority))
		}
		if u.QueueSize < 0 || u.Tick < 0 {
			errs = append(errs, fmt.Errorf("%w: units.%s queue_size or tick negative", ErrInvalid, name))
		}
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("%w: tracing.sample_ratio %v", ErrInvalid, r))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: logging.level %q", ErrInvalid, c.Logging.Level))
	}
	return errors.Join(errs...)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
