package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor wait strategies.
const (
	ExecutorModeEvents  = "events"
	ExecutorModePolling = "polling"
)

// Bridge codecs.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// Config groups the runtime settings a hosting process supplies. Zero values
// fall back to Default() where that makes sense.
type Config struct {
	// ExecutorMode selects how an idle executor waits: "events" sleeps until
	// the next timer deadline or a hand-off wake-up, "polling" re-checks every
	// PollInterval.
	ExecutorMode string        `yaml:"executor_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// CallTimeout is applied by clients created without an explicit timeout.
	// Zero disables timeouts.
	CallTimeout time.Duration `yaml:"call_timeout"`

	LogLevel string `yaml:"log_level"`

	// BridgeTransport selects the transport registered under that name
	// ("channel", "io"). Empty disables the bridge.
	BridgeTransport string `yaml:"bridge_transport"`

	// BridgeFile is the JSON-lines file used by the io transport.
	BridgeFile string `yaml:"bridge_file"`

	BridgeCodec string `yaml:"bridge_codec"`

	BridgeForwardTopics []string `yaml:"bridge_forward_topics"`
	BridgeIngestTopics  []string `yaml:"bridge_ingest_topics"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `yaml:"metrics_port"`

	IntrospectionEnabled bool `yaml:"introspection_enabled"`
	// IntrospectionPort defaults to 8081.
	IntrospectionPort int `yaml:"introspection_port"`
	// IntrospectionCORSAllowedOrigins lists origins allowed to read the
	// snapshot. Use "*" for development. Empty disables CORS headers.
	IntrospectionCORSAllowedOrigins []string `yaml:"introspection_cors_allowed_origins"`

	Demo DemoConfig `yaml:"demo"`
}

// DemoConfig drives the publisher/subscription/service example nodes.
type DemoConfig struct {
	Topic         string        `yaml:"topic"`
	Endpoint      string        `yaml:"endpoint"`
	PublishPeriod time.Duration `yaml:"publish_period"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		ExecutorMode:      ExecutorModeEvents,
		PollInterval:      10 * time.Millisecond,
		LogLevel:          "info",
		BridgeCodec:       CodecJSON,
		MetricsPort:       9090,
		IntrospectionPort: 8081,
		Demo: DemoConfig{
			Topic:         "test",
			Endpoint:      "example",
			PublishPeriod: time.Second,
		},
	}
}

// Load reads a YAML file on top of Default(). A missing file yields the
// defaults, matching how an unconfigured demo is expected to start.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Getter methods implement transport.Config.
func (c *Config) GetBridgeTransport() string { return c.BridgeTransport }
func (c *Config) GetBridgeFile() string      { return c.BridgeFile }

func (c Config) String() string {
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateExecutor()...)
	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validatePorts()...)
	errs = append(errs, c.validateDemo()...)

	return errors.Join(errs...)
}

func (c *Config) validateExecutor() []error {
	var errs []error
	switch strings.ToLower(c.ExecutorMode) {
	case "", ExecutorModeEvents:
	case ExecutorModePolling:
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("executor: polling mode requires a positive poll interval"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor: unknown mode %q", c.ExecutorMode))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("executor: poll interval cannot be negative"))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("client: call timeout cannot be negative"))
	}
	return errs
}

// validateBridge is lenient about transport names so custom transports
// registered by the hosting process keep working.
func (c *Config) validateBridge() []error {
	var errs []error
	switch strings.ToLower(c.BridgeCodec) {
	case "", CodecJSON, CodecProto:
	default:
		errs = append(errs, fmt.Errorf("bridge: unknown codec %q", c.BridgeCodec))
	}
	if c.BridgeTransport == "" && (len(c.BridgeForwardTopics) > 0 || len(c.BridgeIngestTopics) > 0) {
		errs = append(errs, errors.New("bridge: topics configured without a transport"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.IntrospectionPort < 0 || c.IntrospectionPort > 65535 {
		errs = append(errs, fmt.Errorf("introspection: invalid port %d", c.IntrospectionPort))
	}
	return errs
}

func (c *Config) validateDemo() []error {
	var errs []error
	if c.Demo.PublishPeriod < 0 {
		errs = append(errs, errors.New("demo: publish period cannot be negative"))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
