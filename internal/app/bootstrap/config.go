package bootstrap

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viralforge/devicetrust/internal/application"
	"github.com/viralforge/devicetrust/internal/domain"
)

// Config is the resolved runtime configuration: defaults, then the YAML
// file, then environment overrides.
type Config struct {
	ServiceID string
	LogLevel  string

	HTTPPort       int
	GRPCPort       int
	TrustedProxies []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	DatabaseURL string
	RedisURL    string
	MaxDBConns  int32

	FingerprintPepper  string
	FingerprintVersion int

	Argon2MemoryKiB   uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	HashConcurrency   int
	HashMaxWait       time.Duration

	DeviceApprovalEnforced bool
	DeviceApprovalMinLevel int
	PrivilegedMinLevel     int
	AdminMinLevel          int
	BreakGlassEnabled      bool
	BreakGlassMinLevel     int

	SessionTTL         time.Duration
	SessionAbsoluteTTL time.Duration

	FailureThreshold   int
	FailureWindow      time.Duration
	IPFailureThreshold int
	RequestWindow      time.Duration
	RequestSoftLimit   int
	RequestHardLimit   int
	LockoutBase        time.Duration
	LockoutMax         time.Duration
	LockoutQuietPeriod time.Duration
	RegisterLimit      int
	RegisterWindow     time.Duration
	ChurnThreshold     int
	ChurnWindow        time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int

	KafkaBrokers      []string
	KafkaTopic        string
	KafkaTopicByEvent map[string]string
}

// configFile mirrors configs/default.yaml. Durations use Go syntax ("15m").
type configFile struct {
	Service struct {
		ID             string        `yaml:"id"`
		LogLevel       string        `yaml:"log_level"`
		HTTPPort       int           `yaml:"http_port"`
		GRPCPort       int           `yaml:"grpc_port"`
		TrustedProxies []string      `yaml:"trusted_proxies"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
		MaxDBConns  int32  `yaml:"max_db_conns"`
	} `yaml:"dependencies"`
	Security struct {
		FingerprintVersion int           `yaml:"fingerprint_version"`
		Argon2MemoryKiB    uint32        `yaml:"argon2_memory_kib"`
		Argon2Iterations   uint32        `yaml:"argon2_iterations"`
		Argon2Parallelism  uint8         `yaml:"argon2_parallelism"`
		HashConcurrency    int           `yaml:"hash_concurrency"`
		HashMaxWait        time.Duration `yaml:"hash_max_wait"`
	} `yaml:"security"`
	Devices struct {
		ApprovalEnforced *bool         `yaml:"approval_enforced"`
		ApprovalMinLevel int           `yaml:"approval_min_level"`
		ChurnThreshold   int           `yaml:"churn_threshold"`
		ChurnWindow      time.Duration `yaml:"churn_window"`
	} `yaml:"devices"`
	Roles struct {
		PrivilegedMinLevel int  `yaml:"privileged_min_level"`
		AdminMinLevel      int  `yaml:"admin_min_level"`
		BreakGlassEnabled  bool `yaml:"break_glass_enabled"`
		BreakGlassMinLevel int  `yaml:"break_glass_min_level"`
	} `yaml:"roles"`
	Sessions struct {
		TTL         time.Duration `yaml:"ttl"`
		AbsoluteTTL time.Duration `yaml:"absolute_ttl"`
	} `yaml:"sessions"`
	Lockout struct {
		FailureThreshold   int           `yaml:"failure_threshold"`
		FailureWindow      time.Duration `yaml:"failure_window"`
		IPFailureThreshold int           `yaml:"ip_failure_threshold"`
		RequestWindow      time.Duration `yaml:"request_window"`
		RequestSoftLimit   int           `yaml:"request_soft_limit"`
		RequestHardLimit   int           `yaml:"request_hard_limit"`
		Base               time.Duration `yaml:"base"`
		Max                time.Duration `yaml:"max"`
		QuietPeriod        time.Duration `yaml:"quiet_period"`
		RegisterLimit      int           `yaml:"register_limit"`
		RegisterWindow     time.Duration `yaml:"register_window"`
	} `yaml:"lockout"`
	Outbox struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		ClaimTTL     time.Duration `yaml:"claim_ttl"`
		MaxRetries   int           `yaml:"max_retries"`
	} `yaml:"outbox"`
	Kafka struct {
		Brokers      []string          `yaml:"brokers"`
		Topic        string            `yaml:"topic"`
		TopicByEvent map[string]string `yaml:"topic_by_event"`
	} `yaml:"kafka"`
}

func defaultConfig() Config {
	return Config{
		ServiceID:              "devicetrust-auth",
		LogLevel:               "info",
		HTTPPort:               8080,
		GRPCPort:               9090,
		HTTPReadTimeout:        10 * time.Second,
		HTTPWriteTimeout:       15 * time.Second,
		HTTPIdleTimeout:        60 * time.Second,
		MaxDBConns:             20,
		FingerprintVersion:     1,
		Argon2MemoryKiB:        64 * 1024,
		Argon2Iterations:       3,
		Argon2Parallelism:      2,
		HashConcurrency:        4,
		HashMaxWait:            2 * time.Second,
		DeviceApprovalEnforced: true,
		DeviceApprovalMinLevel: domain.LevelStandard,
		PrivilegedMinLevel:     domain.LevelPrivileged,
		AdminMinLevel:          domain.LevelAdmin,
		BreakGlassMinLevel:     domain.LevelAdmin,
		SessionTTL:             30 * time.Minute,
		SessionAbsoluteTTL:     12 * time.Hour,
		FailureThreshold:       5,
		FailureWindow:          time.Minute,
		IPFailureThreshold:     20,
		RequestWindow:          time.Minute,
		RequestSoftLimit:       30,
		RequestHardLimit:       120,
		LockoutBase:            5 * time.Minute,
		LockoutMax:             time.Hour,
		LockoutQuietPeriod:     24 * time.Hour,
		RegisterLimit:          3,
		RegisterWindow:         5 * time.Minute,
		ChurnThreshold:         5,
		ChurnWindow:            time.Hour,
		OutboxPollInterval:     2 * time.Second,
		OutboxBatchSize:        100,
		OutboxClaimTTL:         30 * time.Second,
		OutboxMaxRetries:       5,
		KafkaTopic:             "auth.events",
	}
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := applyFile(&cfg, raw); err != nil {
			return Config{}, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.ServiceID, f.Service.ID)
	setString(&cfg.LogLevel, f.Service.LogLevel)
	setInt(&cfg.HTTPPort, f.Service.HTTPPort)
	setInt(&cfg.GRPCPort, f.Service.GRPCPort)
	if len(f.Service.TrustedProxies) > 0 {
		cfg.TrustedProxies = f.Service.TrustedProxies
	}
	setDuration(&cfg.HTTPReadTimeout, f.Service.ReadTimeout)
	setDuration(&cfg.HTTPWriteTimeout, f.Service.WriteTimeout)
	setDuration(&cfg.HTTPIdleTimeout, f.Service.IdleTimeout)
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	if f.Dependencies.MaxDBConns > 0 {
		cfg.MaxDBConns = f.Dependencies.MaxDBConns
	}

	setInt(&cfg.FingerprintVersion, f.Security.FingerprintVersion)
	if f.Security.Argon2MemoryKiB > 0 {
		cfg.Argon2MemoryKiB = f.Security.Argon2MemoryKiB
	}
	if f.Security.Argon2Iterations > 0 {
		cfg.Argon2Iterations = f.Security.Argon2Iterations
	}
	if f.Security.Argon2Parallelism > 0 {
		cfg.Argon2Parallelism = f.Security.Argon2Parallelism
	}
	setInt(&cfg.HashConcurrency, f.Security.HashConcurrency)
	setDuration(&cfg.HashMaxWait, f.Security.HashMaxWait)

	if f.Devices.ApprovalEnforced != nil {
		cfg.DeviceApprovalEnforced = *f.Devices.ApprovalEnforced
	}
	setInt(&cfg.DeviceApprovalMinLevel, f.Devices.ApprovalMinLevel)
	setInt(&cfg.ChurnThreshold, f.Devices.ChurnThreshold)
	setDuration(&cfg.ChurnWindow, f.Devices.ChurnWindow)

	setInt(&cfg.PrivilegedMinLevel, f.Roles.PrivilegedMinLevel)
	setInt(&cfg.AdminMinLevel, f.Roles.AdminMinLevel)
	cfg.BreakGlassEnabled = cfg.BreakGlassEnabled || f.Roles.BreakGlassEnabled
	setInt(&cfg.BreakGlassMinLevel, f.Roles.BreakGlassMinLevel)

	setDuration(&cfg.SessionTTL, f.Sessions.TTL)
	setDuration(&cfg.SessionAbsoluteTTL, f.Sessions.AbsoluteTTL)

	setInt(&cfg.FailureThreshold, f.Lockout.FailureThreshold)
	setDuration(&cfg.FailureWindow, f.Lockout.FailureWindow)
	setInt(&cfg.IPFailureThreshold, f.Lockout.IPFailureThreshold)
	setDuration(&cfg.RequestWindow, f.Lockout.RequestWindow)
	setInt(&cfg.RequestSoftLimit, f.Lockout.RequestSoftLimit)
	setInt(&cfg.RequestHardLimit, f.Lockout.RequestHardLimit)
	setDuration(&cfg.LockoutBase, f.Lockout.Base)
	setDuration(&cfg.LockoutMax, f.Lockout.Max)
	setDuration(&cfg.LockoutQuietPeriod, f.Lockout.QuietPeriod)
	setInt(&cfg.RegisterLimit, f.Lockout.RegisterLimit)
	setDuration(&cfg.RegisterWindow, f.Lockout.RegisterWindow)

	setDuration(&cfg.OutboxPollInterval, f.Outbox.PollInterval)
	setInt(&cfg.OutboxBatchSize, f.Outbox.BatchSize)
	setDuration(&cfg.OutboxClaimTTL, f.Outbox.ClaimTTL)
	setInt(&cfg.OutboxMaxRetries, f.Outbox.MaxRetries)

	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&cfg.KafkaTopic, f.Kafka.Topic)
	if len(f.Kafka.TopicByEvent) > 0 {
		cfg.KafkaTopicByEvent = f.Kafka.TopicByEvent
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.TrustedProxies = envCSV("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.HTTPReadTimeout = envDuration("HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPWriteTimeout = envDuration("HTTP_WRITE_TIMEOUT", cfg.HTTPWriteTimeout)
	cfg.HTTPIdleTimeout = envDuration("HTTP_IDLE_TIMEOUT", cfg.HTTPIdleTimeout)

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))

	// The pepper is a secret and is only read from the environment.
	cfg.FingerprintPepper = os.Getenv("FINGERPRINT_PEPPER")
	cfg.FingerprintVersion = envInt("FINGERPRINT_VERSION", cfg.FingerprintVersion)
	cfg.HashConcurrency = envInt("HASH_CONCURRENCY", cfg.HashConcurrency)
	cfg.HashMaxWait = envDuration("HASH_MAX_WAIT", cfg.HashMaxWait)

	cfg.DeviceApprovalEnforced = envBool("DEVICE_APPROVAL_ENFORCED", cfg.DeviceApprovalEnforced)
	cfg.DeviceApprovalMinLevel = envInt("DEVICE_APPROVAL_MIN_LEVEL", cfg.DeviceApprovalMinLevel)
	cfg.PrivilegedMinLevel = envInt("PRIVILEGED_MIN_LEVEL", cfg.PrivilegedMinLevel)
	cfg.AdminMinLevel = envInt("ADMIN_MIN_LEVEL", cfg.AdminMinLevel)
	cfg.BreakGlassEnabled = envBool("BREAK_GLASS_ENABLED", cfg.BreakGlassEnabled)
	cfg.BreakGlassMinLevel = envInt("BREAK_GLASS_MIN_LEVEL", cfg.BreakGlassMinLevel)

	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.SessionAbsoluteTTL = envDuration("SESSION_ABSOLUTE_TTL", cfg.SessionAbsoluteTTL)

	cfg.FailureThreshold = envInt("FAILED_LOGIN_THRESHOLD", cfg.FailureThreshold)
	cfg.FailureWindow = envDuration("FAILED_LOGIN_WINDOW", cfg.FailureWindow)
	cfg.RequestSoftLimit = envInt("REQUEST_SOFT_LIMIT", cfg.RequestSoftLimit)
	cfg.RequestHardLimit = envInt("REQUEST_HARD_LIMIT", cfg.RequestHardLimit)
	cfg.LockoutBase = envDuration("LOCKOUT_BASE", cfg.LockoutBase)
	cfg.LockoutMax = envDuration("LOCKOUT_MAX", cfg.LockoutMax)
	cfg.RegisterLimit = envInt("REGISTER_RATE_LIMIT", cfg.RegisterLimit)

	cfg.OutboxPollInterval = envDuration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", cfg.KafkaTopic)
}

// Validate rejects configurations that cannot start safely.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("missing REDIS_URL")
	}
	if c.DeviceApprovalMinLevel > c.PrivilegedMinLevel {
		return fmt.Errorf("device approval min level %d must not exceed privileged min level %d", c.DeviceApprovalMinLevel, c.PrivilegedMinLevel)
	}
	if c.HTTPReadTimeout <= 0 || c.HTTPWriteTimeout <= 0 || c.HTTPIdleTimeout <= 0 {
		return fmt.Errorf("http read, write and idle timeouts must be positive")
	}
	if c.HashMaxWait >= c.HTTPWriteTimeout {
		return fmt.Errorf("hash max wait %s must be below http write timeout %s", c.HashMaxWait, c.HTTPWriteTimeout)
	}
	if c.RequestSoftLimit > c.RequestHardLimit {
		return fmt.Errorf("request soft limit %d exceeds hard limit %d", c.RequestSoftLimit, c.RequestHardLimit)
	}
	if c.SessionAbsoluteTTL < c.SessionTTL {
		return fmt.Errorf("session absolute ttl %s is shorter than idle ttl %s", c.SessionAbsoluteTTL, c.SessionTTL)
	}
	if c.LockoutMax < c.LockoutBase {
		return fmt.Errorf("lockout max %s is shorter than base %s", c.LockoutMax, c.LockoutBase)
	}
	switch c.FingerprintVersion {
	case 1, 2:
	default:
		return fmt.Errorf("unsupported fingerprint version %d", c.FingerprintVersion)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// Auth projects the policy knobs onto the application config.
func (c Config) Auth() application.Config {
	return application.Config{
		DeviceApprovalEnforced: c.DeviceApprovalEnforced,
		DeviceApprovalMinLevel: c.DeviceApprovalMinLevel,
		PrivilegedMinLevel:     c.PrivilegedMinLevel,
		AdminMinLevel:          c.AdminMinLevel,
		BreakGlassEnabled:      c.BreakGlassEnabled,
		BreakGlassMinLevel:     c.BreakGlassMinLevel,
		SessionTTL:             c.SessionTTL,
		SessionAbsoluteTTL:     c.SessionAbsoluteTTL,
		FailureThreshold:       c.FailureThreshold,
		FailureWindow:          c.FailureWindow,
		IPFailureThreshold:     c.IPFailureThreshold,
		RequestWindow:          c.RequestWindow,
		RequestSoftLimit:       c.RequestSoftLimit,
		RequestHardLimit:       c.RequestHardLimit,
		LockoutBase:            c.LockoutBase,
		LockoutMax:             c.LockoutMax,
		LockoutQuietPeriod:     c.LockoutQuietPeriod,
		RegisterLimit:          c.RegisterLimit,
		RegisterWindow:         c.RegisterWindow,
		ChurnThreshold:         c.ChurnThreshold,
		ChurnWindow:            c.ChurnWindow,
	}
}

// TrustedProxyPrefixes accepts CIDRs and bare addresses.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}

// envDuration accepts Go duration syntax ("90s", "15m").
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
