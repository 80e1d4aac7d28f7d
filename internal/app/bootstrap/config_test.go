package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DB_URL", "POSTGRES_URL", "REDIS_URL", "FINGERPRINT_PEPPER", "SESSION_TTL",
		"DEVICE_APPROVAL_ENFORCED", "DEVICE_APPROVAL_MIN_LEVEL", "PRIVILEGED_MIN_LEVEL",
		"TRUSTED_PROXIES", "KAFKA_BROKERS", "HTTP_PORT", "HASH_MAX_WAIT",
		"HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_IDLE_TIMEOUT",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
service:
  http_port: 8181
  trusted_proxies: ["10.0.0.0/8", "192.0.2.10"]
  read_timeout: 7s
  write_timeout: 20s
dependencies:
  postgres_url: postgres://file/db
  redis_url: redis://file:6379/0
devices:
  approval_enforced: false
  churn_window: 30m
sessions:
  ttl: 20m
  absolute_ttl: 8h
kafka:
  brokers: ["kafka-1:9092"]
  topic_by_event:
    lockout.triggered: auth.security
`)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("SESSION_TTL", "45m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPPort != 8181 || cfg.DatabaseURL != "postgres://file/db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RedisURL != "redis://env:6379/1" || cfg.SessionTTL != 45*time.Minute {
		t.Fatalf("env overrides not applied: redis=%s ttl=%s", cfg.RedisURL, cfg.SessionTTL)
	}
	if cfg.DeviceApprovalEnforced {
		t.Fatalf("expected approval enforcement disabled by file")
	}
	if cfg.ChurnWindow != 30*time.Minute || cfg.SessionAbsoluteTTL != 8*time.Hour {
		t.Fatalf("durations not parsed: churn=%s abs=%s", cfg.ChurnWindow, cfg.SessionAbsoluteTTL)
	}
	if cfg.HTTPReadTimeout != 7*time.Second || cfg.HTTPWriteTimeout != 20*time.Second || cfg.HTTPIdleTimeout != time.Minute {
		t.Fatalf("http timeouts: read=%s write=%s idle=%s", cfg.HTTPReadTimeout, cfg.HTTPWriteTimeout, cfg.HTTPIdleTimeout)
	}
	if cfg.KafkaTopicByEvent["lockout.triggered"] != "auth.security" {
		t.Fatalf("topic routing not loaded: %v", cfg.KafkaTopicByEvent)
	}

	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil || len(prefixes) != 2 || prefixes[1].Bits() != 32 {
		t.Fatalf("unexpected proxies %v err %v", prefixes, err)
	}

	auth := cfg.Auth()
	if auth.SessionTTL != 45*time.Minute || auth.DeviceApprovalEnforced {
		t.Fatalf("auth projection mismatch: %+v", auth)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "redis://env:6379/0")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.DeviceApprovalEnforced || cfg.RegisterLimit != 3 || cfg.FingerprintVersion != 1 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigRejectsUnsafeSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing database", map[string]string{"REDIS_URL": "redis://x"}, "DB_URL"},
		{"missing redis", map[string]string{"DB_URL": "postgres://x"}, "REDIS_URL"},
		{
			"approval above privileged",
			map[string]string{"DB_URL": "postgres://x", "REDIS_URL": "redis://x", "DEVICE_APPROVAL_MIN_LEVEL": "3", "PRIVILEGED_MIN_LEVEL": "2"},
			"device approval min level",
		},
		{
			"write timeout below hash wait",
			map[string]string{"DB_URL": "postgres://x", "REDIS_URL": "redis://x", "HASH_MAX_WAIT": "5s", "HTTP_WRITE_TIMEOUT": "3s"},
			"http write timeout",
		},
		{
			"bad proxy",
			map[string]string{"DB_URL": "postgres://x", "REDIS_URL": "redis://x", "TRUSTED_PROXIES": "not-an-ip"},
			"trusted proxy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "service: [unclosed")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
