package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	strutil "nest/pkg/platform/strings"
)

// Config is the full process configuration. FromEnv fills it from the
// environment; a YAML file named by NEST_CONFIG_FILE is applied first so
// environment variables always win.
type Config struct {
	Server    Server          `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Audit     AuditConfig     `yaml:"audit"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AuditConfig selects the chain hash function ("sha256" or "blake3").
type AuditConfig struct {
	HashAlgorithm string `yaml:"hash_algorithm"`
}

// ApprovalsConfig holds the approval deadline window, the sweep cadence and
// optional overrides of the required-approver matrix keyed by trigger type.
type ApprovalsConfig struct {
	Window        time.Duration       `yaml:"window"`
	SweepInterval time.Duration       `yaml:"sweep_interval"`
	SweepBatch    int                 `yaml:"sweep_batch"`
	Matrix        map[string][]string `yaml:"matrix"`
}

type SecurityConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
	JWTIssuer     string `yaml:"jwt_issuer"`
	EncryptionKey string `yaml:"encryption_key"`
	HashKey       string `yaml:"hash_key"`
}

// RateLimitConfig bounds API requests per caller. A zero Requests disables
// the limiter.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        20,
			ConnMaxLifetime: 30 * time.Minute,
			TxTimeout:       5 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			LockTTL:      10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "nest.escrow.events",
		},
		Audit: AuditConfig{
			HashAlgorithm: "sha256",
		},
		Approvals: ApprovalsConfig{
			Window:        7 * 24 * time.Hour,
			SweepInterval: time.Minute,
			SweepBatch:    100,
		},
		Security: SecurityConfig{
			// Development default - must be overridden in production
			JWTSigningKey: "dev-secret-key-change-in-production",
			JWTIssuer:     "nest",
		},
		RateLimit: RateLimitConfig{
			Requests: 120,
			Window:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// FromEnv builds a Config from defaults, the optional YAML overlay and
// environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv("NEST_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.LoadYAML(raw)
}

func (c *Config) LoadYAML(raw []byte) error {
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString(getenv, "NEST_ADDR", &c.Server.Addr)
	setString(getenv, "DATABASE_URL", &c.Database.URL)
	setString(getenv, "REDIS_URL", &c.Redis.URL)
	setString(getenv, "NEST_KAFKA_TOPIC", &c.Kafka.Topic)
	setString(getenv, "NEST_AUDIT_HASH", &c.Audit.HashAlgorithm)
	setString(getenv, "JWT_SIGNING_KEY", &c.Security.JWTSigningKey)
	setString(getenv, "JWT_ISSUER", &c.Security.JWTIssuer)
	setString(getenv, "NEST_ENCRYPTION_KEY", &c.Security.EncryptionKey)
	setString(getenv, "NEST_HASH_KEY", &c.Security.HashKey)
	setString(getenv, "NEST_LOG_LEVEL", &c.Logging.Level)
	setString(getenv, "NEST_LOG_FILE", &c.Logging.File)

	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if err := setDuration(getenv, "NEST_APPROVAL_WINDOW", &c.Approvals.Window); err != nil {
		return err
	}
	if err := setDuration(getenv, "NEST_SWEEP_INTERVAL", &c.Approvals.SweepInterval); err != nil {
		return err
	}
	if err := setDuration(getenv, "NEST_TX_TIMEOUT", &c.Database.TxTimeout); err != nil {
		return err
	}
	if v := getenv("DATABASE_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DATABASE_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = n
	}
	if v := getenv("NEST_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NEST_RATE_LIMIT: %w", err)
		}
		c.RateLimit.Requests = n
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Audit.HashAlgorithm) {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("audit.hash_algorithm: unsupported %q", c.Audit.HashAlgorithm)
	}
	if c.Approvals.Window <= 0 {
		return fmt.Errorf("approvals.window must be positive")
	}
	if c.Approvals.SweepInterval <= 0 {
		return fmt.Errorf("approvals.sweep_interval must be positive")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive when requests is set")
	}
	if c.Security.JWTSigningKey == "" {
		return fmt.Errorf("security.jwt_signing_key is required")
	}
	return nil
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// splitList parses a comma separated list, dropping blanks and repeats.
func splitList(v string) []string {
	return strutil.DedupeAndTrim(strings.Split(v, ","))
}
