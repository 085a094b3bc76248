package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"statusflow/internal/domain"
)

const FileName = "statusflow.yml"

// Config models statusflow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// AllowActorHeader trusts X-Actor-Id without a token. Local use only.
		AllowActorHeader bool `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Notifications struct {
		Buffer   int             `yaml:"buffer"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
		NATS     NATSConfig      `yaml:"nats"`
	} `yaml:"notifications"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Notifications.Buffer < 0 {
		return fmt.Errorf("config.notifications.buffer must not be negative")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if u, err := url.Parse(hook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if !slices.Contains(domain.EventTypes, strings.TrimSpace(evt)) {
				return fmt.Errorf("config.notifications.webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	if c.Notifications.NATS.URL != "" && strings.TrimSpace(c.Notifications.NATS.SubjectPrefix) == "" {
		return fmt.Errorf("config.notifications.nats.subject_prefix is required when nats.url is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_actor_header: false

log:
  level: info
  format: text

notifications:
  buffer: 256
  webhooks: []
  # nats:
  #   url: nats://127.0.0.1:4222
  #   subject_prefix: statusflow.events
`
