// Package config defines the gateway's configuration tree and loading rules.
// Files are JSON5 so hand-edited configs may carry comments and trailing
// commas; secrets come from the environment only.
package config

import "time"

// Config is the root of the configuration tree. It is populated once at
// bootstrap and treated as immutable afterwards; hot reload swaps the whole
// tree rather than mutating it in place.
type Config struct {
	// Permissibility selects the policy tier: "low", "medium", or "high".
	Permissibility string `json:"permissibility"`

	MaxSessions           int `json:"max_sessions"`
	SessionIdleTTLHours   int `json:"session_idle_ttl_hours"`
	CommandTimeoutSeconds int `json:"command_timeout_seconds"`
	MaxOutputBytes        int `json:"max_output_bytes"`
	MaxOutputLines        int `json:"max_output_lines"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`

	Default DefaultConnection `json:"default"`

	InteractivePasswordEnabled bool `json:"interactive_password_enabled"`
	NonInteractiveSudoEnabled  bool `json:"non_interactive_sudo_enabled"`

	// KnownHostsPath switches host-key checking from permissive auto-add to
	// verification against the named file.
	KnownHostsPath string `json:"known_hosts_path"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// DefaultConnection holds the connection parameters a connect call falls
// back to when the caller omits them.
type DefaultConnection struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	PrivateKeyPath string `json:"private_key_path"`
	// ProxyCommand is substituted into every connect with %h replaced by the
	// target host.
	ProxyCommand string `json:"proxy_command"`

	// Password, SudoPassword, and FallbackPassword are env-only; the JSON
	// tags are suppressed so a config file can never carry them.
	Password         string `json:"-"`
	SudoPassword     string `json:"-"`
	FallbackPassword string `json:"-"`
}

// RateLimitConfig bounds session creation per remote host.
type RateLimitConfig struct {
	ConnectPerHostPerMinute int `json:"connect_per_host_per_minute"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Default returns a Config with every documented default filled in.
func Default() *Config {
	return &Config{
		Permissibility:        "medium",
		MaxSessions:           20,
		SessionIdleTTLHours:   8,
		CommandTimeoutSeconds: 300,
		MaxOutputBytes:        10 * 1024 * 1024,
		MaxOutputLines:        10000,
		ConnectTimeoutSeconds: 10,
		Default: DefaultConnection{
			Port: 22,
		},
		InteractivePasswordEnabled: true,
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "sshgateway",
		},
	}
}

// CommandTimeout returns the per-command deadline as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the SSH dial timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// SessionIdleTTL returns the idle expiry age as a duration.
func (c *Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLHours) * time.Hour
}
