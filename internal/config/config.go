// Package config provides configuration management for the CodexMux gateway.
// It handles loading and parsing the YAML configuration file and exposes
// structured access to gateway settings: listener address, upstream base URL,
// account store location, retry tuning, and diagnostics switches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied for keys the configuration file omits.
const (
	DefaultBindAddress           = "127.0.0.1"
	DefaultPort                  = 4319
	DefaultAuthDir               = "~/.codexmux"
	DefaultBaseURL               = "https://chatgpt.com/backend-api/codex"
	DefaultCooldownSeconds       = 900
	DefaultAuthCooldownSeconds   = 60
	DefaultMaxRetryPasses        = 1
	DefaultRequestTimeoutMs      = 120000
	DefaultUpstreamMaxRetries    = 2
	DefaultUpstreamRetryBaseMs   = 200
	DefaultUpstreamRetryMaxMs    = 2000
	DefaultUpstreamRetryJitterMs = 120
)

// Config represents the gateway configuration, loaded from a YAML file.
type Config struct {
	// BindAddress is the local address the listener binds to. The gateway is
	// unauthenticated, so anything other than a loopback address is the
	// operator's own risk.
	BindAddress string `yaml:"bind-address" json:"bind-address"`

	// Port is the TCP port the listener binds to.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the root directory of the file-backed account store.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// BaseURL is the fixed upstream base every inbound request is forwarded to.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// OAuthClientID overrides the client id sent to the token endpoint.
	// Empty selects the stock codex CLI client id.
	OAuthClientID string `yaml:"oauth-client-id" json:"oauth-client-id"`

	// CooldownSeconds is the quota penalty applied when the upstream reports
	// no reset time.
	CooldownSeconds int `yaml:"cooldown-seconds" json:"cooldown-seconds"`

	// AuthCooldownSeconds is the penalty applied after an upstream auth
	// failure. Kept short: auth failures usually clear on the next refresh.
	AuthCooldownSeconds int `yaml:"auth-cooldown-seconds" json:"auth-cooldown-seconds"`

	// MaxRetryPasses is the number of extra attempts beyond the pool size the
	// router may spend on a single inbound request.
	MaxRetryPasses int `yaml:"max-retry-passes" json:"max-retry-passes"`

	// RequestTimeoutMs is the hard per-attempt deadline for upstream calls.
	RequestTimeoutMs int `yaml:"request-timeout-ms" json:"request-timeout-ms"`

	// UpstreamMaxRetries bounds transient retries within one account attempt.
	UpstreamMaxRetries int `yaml:"upstream-max-retries" json:"upstream-max-retries"`

	// UpstreamRetryBaseMs, UpstreamRetryMaxMs and UpstreamRetryJitterMs tune
	// the exponential backoff between transient retries.
	UpstreamRetryBaseMs   int `yaml:"upstream-retry-base-ms" json:"upstream-retry-base-ms"`
	UpstreamRetryMaxMs    int `yaml:"upstream-retry-max-ms" json:"upstream-retry-max-ms"`
	UpstreamRetryJitterMs int `yaml:"upstream-retry-jitter-ms" json:"upstream-retry-jitter-ms"`

	// OverrideAuth rewrites the Authorization header with the selected
	// account's token and injects account-identifying headers. Disabling it
	// turns the gateway into a pass-through that only rewrites the URL.
	OverrideAuth bool `yaml:"override-auth" json:"override-auth"`

	// ProxyURL routes upstream and OAuth traffic through a proxy server.
	// Supports socks5://, http:// and https:// schemes.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// TLSFingerprint dials the upstream with a Firefox TLS client hello to
	// sidestep TLS fingerprinting in front of the upstream.
	TLSFingerprint bool `yaml:"tls-fingerprint" json:"tls-fingerprint"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// RequestLog captures redacted request/response dumps to the request log.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LoggingToFile writes application logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory in megabytes.
	// When positive, the oldest rotated files are removed until the directory
	// fits the cap. Zero disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`
}

// DefaultConfig returns a configuration populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:           DefaultBindAddress,
		Port:                  DefaultPort,
		AuthDir:               DefaultAuthDir,
		BaseURL:               DefaultBaseURL,
		CooldownSeconds:       DefaultCooldownSeconds,
		AuthCooldownSeconds:   DefaultAuthCooldownSeconds,
		MaxRetryPasses:        DefaultMaxRetryPasses,
		RequestTimeoutMs:      DefaultRequestTimeoutMs,
		UpstreamMaxRetries:    DefaultUpstreamMaxRetries,
		UpstreamRetryBaseMs:   DefaultUpstreamRetryBaseMs,
		UpstreamRetryMaxMs:    DefaultUpstreamRetryMaxMs,
		UpstreamRetryJitterMs: DefaultUpstreamRetryJitterMs,
		OverrideAuth:          true,
	}
}

// LoadConfig reads and parses the YAML configuration file at the given path.
// Missing keys keep their defaults; unknown keys are ignored.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but, when optional is true, a
// missing file yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}

	cfg.normalize()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize replaces zero or negative numeric values with their defaults so a
// partially filled file still produces a runnable configuration.
func (c *Config) normalize() {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AuthDir == "" {
		c.AuthDir = DefaultAuthDir
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = DefaultCooldownSeconds
	}
	if c.AuthCooldownSeconds <= 0 {
		c.AuthCooldownSeconds = DefaultAuthCooldownSeconds
	}
	if c.MaxRetryPasses < 0 {
		c.MaxRetryPasses = DefaultMaxRetryPasses
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if c.UpstreamMaxRetries < 0 {
		c.UpstreamMaxRetries = DefaultUpstreamMaxRetries
	}
	if c.UpstreamRetryBaseMs <= 0 {
		c.UpstreamRetryBaseMs = DefaultUpstreamRetryBaseMs
	}
	if c.UpstreamRetryMaxMs <= 0 {
		c.UpstreamRetryMaxMs = DefaultUpstreamRetryMaxMs
	}
	if c.UpstreamRetryJitterMs < 0 {
		c.UpstreamRetryJitterMs = DefaultUpstreamRetryJitterMs
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	return nil
}

// RequestTimeout returns the per-attempt upstream deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Cooldown returns the default quota cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// AuthCooldown returns the auth-failure penalty as a duration.
func (c *Config) AuthCooldown() time.Duration {
	return time.Duration(c.AuthCooldownSeconds) * time.Second
}
