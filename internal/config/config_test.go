package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "port: 5000\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Port != 5000 {
		t.Fatalf("Port = %d, want 5000", cfg.Port)
	}
	if cfg.BindAddress != DefaultBindAddress {
		t.Fatalf("BindAddress = %q, want %q", cfg.BindAddress, DefaultBindAddress)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.AuthDir != DefaultAuthDir {
		t.Fatalf("AuthDir = %q, want %q", cfg.AuthDir, DefaultAuthDir)
	}
	if cfg.CooldownSeconds != DefaultCooldownSeconds {
		t.Fatalf("CooldownSeconds = %d, want %d", cfg.CooldownSeconds, DefaultCooldownSeconds)
	}
	if !cfg.OverrideAuth {
		t.Fatal("OverrideAuth should default to true")
	}
}

func TestLoadConfigOverrideAuthExplicitFalse(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "override-auth: false\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.OverrideAuth {
		t.Fatal("OverrideAuth = true, want false when explicitly disabled")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.yaml")

	if _, err := LoadConfig(missing); err == nil {
		t.Fatal("LoadConfig should fail for a missing file")
	}

	cfg, err := LoadConfigOptional(missing, true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(writeConfig(t, "port: [not a number\n"))
	if err == nil {
		t.Fatal("LoadConfig should fail for malformed YAML")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Fatalf("error %q should mention parse", err)
	}
}

func TestLoadConfigPortOutOfRange(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(writeConfig(t, "port: 70000\n")); err == nil {
		t.Fatal("LoadConfig should reject port 70000")
	}
	if _, err := LoadConfig(writeConfig(t, "port: -1\n")); err == nil {
		t.Fatal("LoadConfig should reject a negative port")
	}
}

func TestNormalizeReplacesNonPositiveValues(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, strings.Join([]string{
		"cooldown-seconds: -5",
		"request-timeout-ms: 0",
		"upstream-retry-base-ms: -1",
		"max-retry-passes: -3",
	}, "\n")))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.CooldownSeconds != DefaultCooldownSeconds {
		t.Fatalf("CooldownSeconds = %d, want default %d", cfg.CooldownSeconds, DefaultCooldownSeconds)
	}
	if cfg.RequestTimeoutMs != DefaultRequestTimeoutMs {
		t.Fatalf("RequestTimeoutMs = %d, want default %d", cfg.RequestTimeoutMs, DefaultRequestTimeoutMs)
	}
	if cfg.UpstreamRetryBaseMs != DefaultUpstreamRetryBaseMs {
		t.Fatalf("UpstreamRetryBaseMs = %d, want default %d", cfg.UpstreamRetryBaseMs, DefaultUpstreamRetryBaseMs)
	}
	if cfg.MaxRetryPasses != DefaultMaxRetryPasses {
		t.Fatalf("MaxRetryPasses = %d, want default %d", cfg.MaxRetryPasses, DefaultMaxRetryPasses)
	}
}

func TestNormalizeKeepsZeroRetryPasses(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "max-retry-passes: 0\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxRetryPasses != 0 {
		t.Fatalf("MaxRetryPasses = %d, want 0 preserved", cfg.MaxRetryPasses)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg := &Config{RequestTimeoutMs: 1500, CooldownSeconds: 30, AuthCooldownSeconds: 7}

	if got := cfg.RequestTimeout(); got != 1500*time.Millisecond {
		t.Fatalf("RequestTimeout = %v, want 1.5s", got)
	}
	if got := cfg.Cooldown(); got != 30*time.Second {
		t.Fatalf("Cooldown = %v, want 30s", got)
	}
	if got := cfg.AuthCooldown(); got != 7*time.Second {
		t.Fatalf("AuthCooldown = %v, want 7s", got)
	}
}

func TestLoadConfigFullFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, strings.Join([]string{
		`bind-address: "0.0.0.0"`,
		"port: 9000",
		`auth-dir: "/tmp/auths"`,
		`base-url: "https://example.com/backend"`,
		`oauth-client-id: "app_test"`,
		"cooldown-seconds: 60",
		"auth-cooldown-seconds: 10",
		"max-retry-passes: 2",
		"request-timeout-ms: 5000",
		"upstream-max-retries: 1",
		`proxy-url: "socks5://127.0.0.1:1080"`,
		"tls-fingerprint: true",
		"debug: true",
		"request-log: true",
		"logging-to-file: true",
		"logs-max-total-size-mb: 100",
	}, "\n")))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.BindAddress != "0.0.0.0" || cfg.Port != 9000 {
		t.Fatalf("listener = %s:%d, want 0.0.0.0:9000", cfg.BindAddress, cfg.Port)
	}
	if cfg.BaseURL != "https://example.com/backend" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.OAuthClientID != "app_test" {
		t.Fatalf("OAuthClientID = %q", cfg.OAuthClientID)
	}
	if cfg.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Fatalf("ProxyURL = %q", cfg.ProxyURL)
	}
	if !cfg.TLSFingerprint || !cfg.Debug || !cfg.RequestLog || !cfg.LoggingToFile {
		t.Fatal("boolean switches should all be true")
	}
	if cfg.LogsMaxTotalSizeMB != 100 {
		t.Fatalf("LogsMaxTotalSizeMB = %d, want 100", cfg.LogsMaxTotalSizeMB)
	}
}
