// Package config loads the service configuration from COHORT_* environment
// variables. Every field has a development default so a bare `go run` works.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"cohort/pkg/platform/middleware/metadata"
)

const envPrefix = "COHORT_"

// DevSigningKey is the retrieval token key used when none is configured.
const DevSigningKey = "dev-secret-key-change-in-production"

// Config is the full service configuration.
type Config struct {
	Server      Server
	Batch       Batch
	Retrieval   Retrieval
	Database    Database    `envPrefix:"DATABASE_"`
	Redis       RedisConfig `envPrefix:"REDIS_"`
	ObjectStore ObjectStore `envPrefix:"S3_"`
	Audit       Audit       `envPrefix:"AUDIT_"`
	Log         Log         `envPrefix:"LOG_"`
	Tracing     Tracing     `envPrefix:"OTEL_"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	ServiceToken    string        `env:"SERVICE_TOKEN"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty trusts only RemoteAddr.
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Batch holds the cohort economics and timing rules.
type Batch struct {
	Capacity       int           `env:"BATCH_CAPACITY" envDefault:"24"`
	PaymentWindow  time.Duration `env:"PAYMENT_WINDOW" envDefault:"168h"`
	PatienceWindow time.Duration `env:"PATIENCE_WINDOW" envDefault:"4320h"`
	PenaltyBps     int64         `env:"PENALTY_BPS" envDefault:"100"`
}

type Retrieval struct {
	TokenSigningKey     string        `env:"TOKEN_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	TokenTTL            time.Duration `env:"TOKEN_TTL" envDefault:"2h"`
	TokenIssuer         string        `env:"TOKEN_ISSUER" envDefault:"cohort"`
	CandidateTimeout    time.Duration `env:"CANDIDATE_TIMEOUT" envDefault:"50ms"`
	VerifyMaxFailures   int           `env:"VERIFY_MAX_FAILURES" envDefault:"5"`
	VerifyLockoutWindow time.Duration `env:"VERIFY_LOCKOUT_WINDOW" envDefault:"15m"`
	// LockoutCacheSize bounds the in-memory lockout store used without Redis.
	LockoutCacheSize int `env:"VERIFY_LOCKOUT_CACHE_SIZE" envDefault:"10000"`
}

// Database selects PostgreSQL when URL is set; otherwise batches live in
// memory.
type Database struct {
	URL             string        `env:"URL"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	// Migrate applies the embedded schemas on startup.
	Migrate bool `env:"MIGRATE" envDefault:"true"`
}

// RedisConfig configures the verification lockout store. Empty URL keeps
// lockout counters in process memory.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// ObjectStore locates result files. Without a bucket, downloads resolve to
// the object key only.
type ObjectStore struct {
	Bucket          string        `env:"BUCKET"`
	Region          string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint        string        `env:"ENDPOINT"`
	AccessKeyID     string        `env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `env:"SECRET_ACCESS_KEY"`
	ResultFileExt   string        `env:"RESULT_FILE_EXT" envDefault:".pdf"`
	PresignTTL      time.Duration `env:"PRESIGN_TTL" envDefault:"15m"`
}

type Audit struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"cohort.audit"`
	AsyncBuffer  int      `env:"ASYNC_BUFFER" envDefault:"1024"`
	// SubjectKey keys the HMAC over participant identities in audit events.
	// Empty generates a per-process key, so hashes do not correlate across
	// restarts.
	SubjectKey   string   `env:"SUBJECT_KEY"`
}

type Log struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"30"`
}

// Tracing exports spans over OTLP/HTTP when Endpoint is set.
type Tracing struct {
	Endpoint    string `env:"EXPORTER_ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"cohort"`
}

// FromEnv builds the configuration from COHORT_* variables so main stays lean.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	if len(c.Retrieval.TokenSigningKey) < 32 {
		return fmt.Errorf("COHORT_TOKEN_SIGNING_KEY must be at least 32 bytes")
	}
	if c.Retrieval.TokenTTL <= 0 {
		return fmt.Errorf("COHORT_TOKEN_TTL must be positive")
	}
	if c.Retrieval.VerifyMaxFailures <= 0 {
		return fmt.Errorf("COHORT_VERIFY_MAX_FAILURES must be positive")
	}
	if c.Audit.SubjectKey != "" && len(c.Audit.SubjectKey) < 32 {
		return fmt.Errorf("COHORT_AUDIT_SUBJECT_KEY must be at least 32 bytes")
	}
	if _, err := metadata.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("COHORT_TRUSTED_PROXIES: %w", err)
	}
	if len(c.Audit.KafkaBrokers) > 0 && c.Audit.KafkaTopic == "" {
		return fmt.Errorf("COHORT_AUDIT_KAFKA_TOPIC is required with brokers")
	}
	return nil
}

// UsesDevSigningKey reports whether the token key is the built-in default.
func (c Config) UsesDevSigningKey() bool {
	return c.Retrieval.TokenSigningKey == DevSigningKey
}
