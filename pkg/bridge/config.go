// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Config holds the bot configuration.
type Config struct {
	// Token is the bot token used by the platform adapter.
	Token string `koanf:"token"`
	// CommandPrefix precedes every bot command, e.g. "+link".
	CommandPrefix string `koanf:"command_prefix"`
	// ModeSelectTimeoutRaw bounds the wait for the initiating user's mode
	// reaction. Duration string, default "60s".
	ModeSelectTimeoutRaw string `koanf:"mode_select_timeout"`
	// ConfirmTimeoutRaw bounds the wait for the partner-side confirmation
	// command. Duration string, default "600s".
	ConfirmTimeoutRaw string `koanf:"confirm_timeout"`
	// WebhookRate / WebhookBurst shape outbound webhook executions.
	WebhookRate  float64 `koanf:"webhook_rate"`
	WebhookBurst int     `koanf:"webhook_burst"`
	LogLevel     string  `koanf:"log_level"`

	ModeSelectTimeout time.Duration `koanf:"-"`
	ConfirmTimeout    time.Duration `koanf:"-"`
}

var configDefaults = map[string]interface{}{
	"command_prefix":      "+",
	"mode_select_timeout": "60s",
	"confirm_timeout":     "600s",
	"webhook_rate":        5.0,
	"webhook_burst":       10,
	"log_level":           "info",
}

// LoadConfig loads configuration from defaults, an optional TOML or YAML
// file, and TELEHOOK_* environment variables, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(configDefaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		var parser koanf.Parser = toml.Parser()
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yamlParser{}
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// The config is flat, so env keys keep their underscores:
	// TELEHOOK_COMMAND_PREFIX → command_prefix.
	if err := k.Load(env.Provider("TELEHOOK_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TELEHOOK_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess parses the raw duration fields and validates the result.
func (c *Config) PostProcess() error {
	if c.CommandPrefix == "" {
		return fmt.Errorf("command_prefix must not be empty")
	}
	var err error
	if c.ModeSelectTimeout, err = time.ParseDuration(c.ModeSelectTimeoutRaw); err != nil {
		return fmt.Errorf("mode_select_timeout: %w", err)
	}
	if c.ConfirmTimeout, err = time.ParseDuration(c.ConfirmTimeoutRaw); err != nil {
		return fmt.Errorf("confirm_timeout: %w", err)
	}
	if c.ModeSelectTimeout <= 0 || c.ConfirmTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.WebhookRate <= 0 {
		return fmt.Errorf("webhook_rate must be positive")
	}
	if c.WebhookBurst <= 0 {
		return fmt.Errorf("webhook_burst must be positive")
	}
	return nil
}

// yamlParser adapts yaml.v3 to the koanf parser interface so config files
// may be written in either TOML or YAML.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (yamlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(m)
}
