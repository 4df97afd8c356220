package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	envConfigPath       = "BINSYS_CONFIG"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
)

// CoreGroup is the group the system loads for the synthetic system user
// during startup.
const CoreGroup = "CORE"

// ErrNotFound reports that no config file exists at any candidate path.
var ErrNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Logging LoggingConfig       `json:"logging,omitempty"`
	Server  ServerConfig        `json:"server"`
	Bus     BusConfig           `json:"bus"`
	Groups  map[string][]string `json:"groups,omitempty"`
	Modules ModulesConfig       `json:"modules,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ServerConfig configures the status HTTP server bind settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	HistoryLimit          int `json:"history_limit"`
	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
}

// RequestTimeout returns the configured bus request timeout, or zero when
// unset so the bus default applies.
func (c BusConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 0
	}

	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ModulesConfig groups per-builtin module settings.
type ModulesConfig struct {
	Automation AutomationConfig `json:"automation"`
	Monitor    MonitorConfig    `json:"monitor"`
	Security   SecurityConfig   `json:"security"`
	Notify     NotifyConfig     `json:"notify"`
}

// AutomationConfig configures the automation task scheduler module.
type AutomationConfig struct {
	TickIntervalSeconds int `json:"tick_interval_seconds"`
}

// MonitorConfig configures the runtime metrics monitor module.
type MonitorConfig struct {
	SampleIntervalSeconds int `json:"sample_interval_seconds"`
	HistoryLimit          int `json:"history_limit"`
}

// SecurityConfig configures the security token/audit module.
type SecurityConfig struct {
	TokenTTLMinutes int `json:"token_ttl_minutes"`
	AuditLimit      int `json:"audit_limit"`
}

// NotifyConfig configures the Telegram alert forwarder module.
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// Default returns a runnable configuration for setups without a config file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 18890},
		Bus:    BusConfig{HistoryLimit: 100, RequestTimeoutSeconds: 5},
	}
}

// GroupsOrDefault returns the configured module groups, guaranteeing the
// CORE group exists. Groups are fixed at coordinator construction time.
func (c *Config) GroupsOrDefault() map[string][]string {
	groups := make(map[string][]string, len(c.Groups)+1)
	for name, members := range c.Groups {
		groups[name] = append([]string(nil), members...)
	}

	if _, ok := groups[CoreGroup]; !ok {
		groups[CoreGroup] = []string{"automation", "monitor", "security"}
	}

	return groups
}

// LoadConfig resolves config.json, unmarshals it, and applies environment
// overrides. A missing file returns ErrNotFound so callers can fall back to
// Default.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file
// config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Modules.Notify.Token = token
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is BINSYS_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrNotFound, candidates[0], candidates[1])
}
