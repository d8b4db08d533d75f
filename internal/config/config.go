// Package config loads sync-core configuration from YAML files with
// environment variable overrides.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Duration decodes "250ms"-style strings from YAML and environment
// variables. yaml.v3 has no native time.Duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all tunables of the sync core. Retry and reconnect policy
// values are configuration, not literals in the components, so tests and
// deployments can shorten them.
type Config struct {
	Env string `yaml:"env" envconfig:"CHATSYNC_ENV"`

	Server struct {
		SocketURL string `yaml:"socket_url" envconfig:"CHATSYNC_SOCKET_URL"` // ws(s):// messaging endpoint
		APIURL    string `yaml:"api_url" envconfig:"CHATSYNC_API_URL"`       // REST base for queued replays
		UploadURL string `yaml:"upload_url" envconfig:"CHATSYNC_UPLOAD_URL"` // content store upload endpoint
		AuthToken string `yaml:"auth_token" envconfig:"CHATSYNC_AUTH_TOKEN"`
	} `yaml:"server"`

	Retry struct {
		BaseDelay     Duration `yaml:"base_delay" envconfig:"CHATSYNC_RETRY_BASE_DELAY"`         // default 1s
		MaxAttempts   int      `yaml:"max_attempts" envconfig:"CHATSYNC_RETRY_MAX_ATTEMPTS"`     // default 5
		DrainInterval Duration `yaml:"drain_interval" envconfig:"CHATSYNC_RETRY_DRAIN_INTERVAL"` // default 1s
	} `yaml:"retry"`

	Reconnect struct {
		BaseDelay   Duration `yaml:"base_delay" envconfig:"CHATSYNC_RECONNECT_BASE_DELAY"`     // default 1s
		MaxAttempts int      `yaml:"max_attempts" envconfig:"CHATSYNC_RECONNECT_MAX_ATTEMPTS"` // default 5
	} `yaml:"reconnect"`

	DataDir string `yaml:"data_dir" envconfig:"CHATSYNC_DATA_DIR"`

	Log struct {
		Level string `yaml:"level" envconfig:"CHATSYNC_LOG_LEVEL"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr" envconfig:"CHATSYNC_METRICS_ADDR"` // empty disables the endpoint
	} `yaml:"metrics"`
}

// Load supports comma-separated config files: "-c common.yml,device.yml".
// Later files override earlier ones; environment variables override both.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,device.yml)")
	}
	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	return &c, nil
}

// Default returns a Config with documented policy defaults and no server
// endpoints, for embedding callers that configure programmatically.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.DrainInterval <= 0 {
		c.Retry.DrainInterval = Duration(time.Second)
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = Duration(time.Second)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
