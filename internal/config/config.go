// Package config handles configuration loading, validation, and persistence
// for structprobe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/protocol"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIListen  = "127.0.0.1:5050"
	DefaultPeerAddr   = "127.0.0.1:11032"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Peer     PeerConfig     `json:"peer"`
	Resolver ResolverConfig `json:"resolver"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// PeerConfig describes the peer whose packet layouts are being discovered.
type PeerConfig struct {
	Address              string `json:"address"`
	DialTimeoutSec       int    `json:"dial_timeout_sec"`
	ReconnectDelaySec    int    `json:"reconnect_delay_sec"`
	KeepAliveIntervalSec int    `json:"keepalive_interval_sec"`
}

// ResolverConfig tunes the resolve loop and where its output goes.
type ResolverConfig struct {
	StructureDir  string `json:"structure_dir"`
	OpCodeNames   string `json:"opcode_names"`
	QuietPeriodMs int    `json:"quiet_period_ms"`
	StopOnNoError bool   `json:"stop_on_no_error"`
	HeaderLength  int    `json:"header_length"`

	// Hints overrides the peer hint table: hint token -> field type token.
	// Empty selects the built-in table.
	Hints map[string]string `json:"hints,omitempty"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the resolve history database settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Peer: PeerConfig{
			Address:              DefaultPeerAddr,
			DialTimeoutSec:       30,
			ReconnectDelaySec:    10,
			KeepAliveIntervalSec: 15,
		},
		Resolver: ResolverConfig{
			StructureDir:  "structures",
			QuietPeriodMs: 2000,
			HeaderLength:  protocol.HeaderLength,
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       DefaultAPIListen,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "structprobe",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "history.db"),
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from configDir/config.json, writing the
// defaults there first if it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // overlay the file on the defaults
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist options added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetResolver returns a copy of the resolver configuration.
func (c *Config) GetResolver() ResolverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Resolver
}

// SetResolver replaces the resolver configuration.
func (c *Config) SetResolver(r ResolverConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resolver = r
}

// UpdateResolverField sets one resolver option by its JSON key.
func (c *Config) UpdateResolverField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.Resolver)
	if err != nil {
		return err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if _, ok := m[key]; !ok && key != "hints" {
		return fmt.Errorf("unknown resolver option %q", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var next ResolverConfig
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Resolver = next
	return nil
}

// QuietPeriod returns the resolver's silence window.
func (r ResolverConfig) QuietPeriod() time.Duration {
	return time.Duration(r.QuietPeriodMs) * time.Millisecond
}

// HintTable builds the hint table, falling back to the built-in one when
// no override is configured.
func (r ResolverConfig) HintTable() (*protocol.HintTable, error) {
	if len(r.Hints) == 0 {
		return protocol.DefaultHintTable(), nil
	}
	m := make(map[string]protocol.FieldType, len(r.Hints))
	for hint, token := range r.Hints {
		ft, ok := protocol.FieldTypeFromToken(token)
		if !ok {
			return nil, fmt.Errorf("hint %q: unknown field type %q", hint, token)
		}
		m[hint] = ft
	}
	return protocol.NewHintTable(m), nil
}

// DialTimeout returns the peer dial timeout.
func (p PeerConfig) DialTimeout() time.Duration {
	return time.Duration(p.DialTimeoutSec) * time.Second
}

// ReconnectDelay returns the wait between reconnect attempts.
func (p PeerConfig) ReconnectDelay() time.Duration {
	return time.Duration(p.ReconnectDelaySec) * time.Second
}

// KeepAliveInterval returns the keepalive period, zero when disabled.
func (p PeerConfig) KeepAliveInterval() time.Duration {
	return time.Duration(p.KeepAliveIntervalSec) * time.Second
}
