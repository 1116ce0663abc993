// Package config loads and validates the agent configuration. A YAML
// file is unmarshalled over built-in defaults, checked with struct
// validation tags, then unified against a CUE schema so typos in
// operator-supplied files fail loudly at startup instead of at 3am on a
// wedged machine.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openrack/metalagent/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings ("30s", "5m") as well as raw nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full agent configuration.
type Config struct {
	Agent     AgentConfig      `yaml:"agent"`
	API       APIConfig        `yaml:"api"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Journal   JournalConfig    `yaml:"journal"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// AgentConfig configures the provider layer.
type AgentConfig struct {
	// SysRoot and ProcRoot point the generic provider at the kernel
	// interfaces. Overridden only in tests and chroots.
	SysRoot  string `yaml:"sys_root"`
	ProcRoot string `yaml:"proc_root"`
}

// APIConfig configures the REST and control-channel listeners.
type APIConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`

	// SocketPath is the Unix socket for the line-delimited control
	// channel. Empty disables it.
	SocketPath string `yaml:"socket_path"`

	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// HeartbeatConfig configures controller heartbeats.
type HeartbeatConfig struct {
	// ControllerURL is the controller's heartbeat endpoint. Empty runs
	// the agent standalone, without heartbeats.
	ControllerURL string `yaml:"controller_url" validate:"omitempty,url"`

	// Timeout is the controller's liveness timeout. Beats fire at a
	// random fraction of it.
	Timeout Duration `yaml:"timeout" validate:"required"`

	// Token authenticates the agent to the controller.
	Token string `yaml:"token"`
}

// JournalConfig configures the on-ramdisk command journal.
type JournalConfig struct {
	// Path of the SQLite database. Empty disables journaling.
	Path string `yaml:"path"`
}

// PolicyConfig configures the destructive-operation gate.
type PolicyConfig struct {
	// Enabled toggles the gate entirely.
	Enabled bool `yaml:"enabled"`

	// Dir holds site .rego files loaded in addition to the built-ins.
	Dir string `yaml:"dir"`
}

// Default returns the configuration the agent boots with when no file
// is supplied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			SysRoot:  "/sys",
			ProcRoot: "/proc",
		},
		API: APIConfig{
			ListenAddress:   "0.0.0.0:9999",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Timeout: Duration(300 * time.Second),
		},
		Journal: JournalConfig{
			Path: "/var/lib/metalagent/journal.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path, overlays it on the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags, the CUE schema and telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := validateSchema(c); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config invalid: %w", err)
	}
	return nil
}
