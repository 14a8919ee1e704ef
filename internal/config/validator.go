package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validatePeer(&cfg.Peer, result)
	validateResolver(&cfg.Resolver, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateDatabase(&cfg.Database, result)
	validateLogging(&cfg.Logging, result)

	return result
}

func validatePeer(p *PeerConfig, result *ValidationResult) {
	validateHostPort(p.Address, "peer.address", result)
	if p.DialTimeoutSec < 1 {
		result.AddError("peer.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
	if p.ReconnectDelaySec < 1 {
		result.AddWarning("peer.reconnect_delay_sec", "reconnect delay below 1s will hammer an unreachable peer")
	}
	if p.KeepAliveIntervalSec < 0 {
		result.AddError("peer.keepalive_interval_sec", "keepalive interval cannot be negative")
	}
}

func validateResolver(r *ResolverConfig, result *ValidationResult) {
	if strings.TrimSpace(r.StructureDir) == "" {
		result.AddError("resolver.structure_dir", "structure directory is required")
	}
	if r.QuietPeriodMs < 0 {
		result.AddError("resolver.quiet_period_ms", "quiet period cannot be negative")
	}
	if r.QuietPeriodMs == 0 && !r.StopOnNoError {
		result.AddWarning("resolver.quiet_period_ms",
			"with no quiet period and stop_on_no_error off, resolves only end on error or cancellation")
	}
	// Zero is reserved for the built-in header in resolver.Options.
	if r.HeaderLength < 1 {
		result.AddError("resolver.header_length", "header length must be at least 1")
	}
	if _, err := r.HintTable(); err != nil {
		result.AddError("resolver.hints", err.Error())
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validateHostPort(a.Listen, "api.listen", result)

	host, _, err := net.SplitHostPort(a.Listen)
	if err == nil && a.Token == "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			result.AddWarning("api.token", "API listens beyond loopback without a token")
		}
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
	}
	for _, entry := range a.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("invalid IP or CIDR %q", entry))
			}
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddWarning("mqtt.topic_prefix", "empty topic prefix publishes at the broker root")
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required when enabled")
	}
	if d.RetentionDays < 0 {
		result.AddError("database.retention_days", "retention days cannot be negative")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, info will be used", l.Level))
	}
}

func validateHostPort(addr, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	if port == "" || port == "0" {
		result.AddError(field, "a port is required")
	}
}
