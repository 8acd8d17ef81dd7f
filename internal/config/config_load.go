package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env are a complete configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyPasswordFallbacks()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyPasswordFallbacks()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SSHGW_PERMISSIBILITY", &c.Permissibility)
	envStr("SSHGW_DEFAULT_HOST", &c.Default.Host)
	envStr("SSHGW_DEFAULT_USERNAME", &c.Default.Username)
	envStr("SSHGW_PRIVATE_KEY_PATH", &c.Default.PrivateKeyPath)
	envStr("SSHGW_PROXY_COMMAND", &c.Default.ProxyCommand)
	envStr("SSHGW_KNOWN_HOSTS_PATH", &c.KnownHostsPath)

	// Secrets are env-only by design.
	envStr("SSHGW_DEFAULT_PASSWORD", &c.Default.Password)
	envStr("SSHGW_SUDO_PASSWORD", &c.Default.SudoPassword)
	envStr("SSHGW_FALLBACK_PASSWORD", &c.Default.FallbackPassword)

	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envInt("SSHGW_DEFAULT_PORT", &c.Default.Port)
	envInt("SSHGW_MAX_SESSIONS", &c.MaxSessions)
	envInt("SSHGW_SESSION_IDLE_TTL_HOURS", &c.SessionIdleTTLHours)
	envInt("SSHGW_COMMAND_TIMEOUT_SECONDS", &c.CommandTimeoutSeconds)
	envInt("SSHGW_MAX_OUTPUT_BYTES", &c.MaxOutputBytes)
	envInt("SSHGW_MAX_OUTPUT_LINES", &c.MaxOutputLines)

	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envBool("SSHGW_INTERACTIVE_PASSWORD_ENABLED", &c.InteractivePasswordEnabled)
	envBool("SSHGW_NON_INTERACTIVE_SUDO", &c.NonInteractiveSudoEnabled)

	// Telemetry
	envStr("SSHGW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SSHGW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SSHGW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("SSHGW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("SSHGW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// applyPasswordFallbacks populates the specific passwords from the common
// fallback. Precedence: specific > fallback > none.
func (c *Config) applyPasswordFallbacks() {
	if c.Default.FallbackPassword == "" {
		return
	}
	if c.Default.Password == "" {
		c.Default.Password = c.Default.FallbackPassword
	}
	if c.Default.SudoPassword == "" {
		c.Default.SudoPassword = c.Default.FallbackPassword
	}
}
