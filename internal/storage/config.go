package storage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

const (
	defaultHost               = "localhost"
	defaultPort               = 5432
	defaultDatabase           = "bigbrotr"
	defaultUser               = "bigbrotr"
	defaultPasswordEnv        = "POSTGRES_PASSWORD" // pragma: allowlist secret
	defaultSSLMode            = "disable"
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 5
	defaultConnMaxLifetime    = 30 * time.Minute
	defaultConnMaxIdleTime    = 10 * time.Minute
	defaultAcquireTimeout     = 10 * time.Second
	defaultStatementTimeout   = 60 * time.Second
	defaultAcquireRetryBase   = 100 * time.Millisecond
	defaultAcquireRetryCap    = 5 * time.Second
	defaultAcquireMaxAttempts = 5
)

var (
	// ErrDatabaseHostEmpty is returned when no database host is configured.
	ErrDatabaseHostEmpty = errors.New("database host cannot be empty")
	// ErrDatabaseUserEmpty is returned when no database user is configured.
	ErrDatabaseUserEmpty = errors.New("database user cannot be empty")
	// ErrDatabaseNameEmpty is returned when no database name is configured.
	ErrDatabaseNameEmpty = errors.New("database name cannot be empty")
	// ErrInvalidPoolSizes is returned when pool sizing is non-positive or inconsistent.
	ErrInvalidPoolSizes = errors.New("pool sizes must be positive and max_idle_conns <= max_open_conns")
	// ErrInvalidRetryPolicy is returned when the acquire retry policy is unusable.
	ErrInvalidRetryPolicy = errors.New("acquire retry policy must have positive base, cap, and attempts")
)

// Config holds PostgreSQL connection configuration. Services carry it as the
// shared `storage` section of their YAML config; the password never lives in
// the file, only the name of the environment variable holding it.
type Config struct {
	URL         string `yaml:"url"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	SSLMode     string `yaml:"ssl_mode"`

	MaxOpenConns    int             `yaml:"max_open_conns"`
	MaxIdleConns    int             `yaml:"max_idle_conns"`
	ConnMaxLifetime config.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime config.Duration `yaml:"conn_max_idle_time"`

	AcquireTimeout     config.Duration `yaml:"acquire_timeout"`
	StatementTimeout   config.Duration `yaml:"statement_timeout"`
	AcquireRetryBase   config.Duration `yaml:"acquire_retry_base"`
	AcquireRetryCap    config.Duration `yaml:"acquire_retry_cap"`
	AcquireMaxAttempts int             `yaml:"acquire_max_attempts"`
}

// LoadConfig loads PostgreSQL configuration from environment variables with
// fallback to defaults. A YAML config file, when present, overrides these
// values field by field before Validate runs.
func LoadConfig() *Config {
	return &Config{
		URL:                config.GetEnvStr("DATABASE_URL", ""),
		Host:               config.GetEnvStr("POSTGRES_HOST", defaultHost),
		Port:               config.GetEnvInt("POSTGRES_PORT", defaultPort),
		Database:           config.GetEnvStr("POSTGRES_DB", defaultDatabase),
		User:               config.GetEnvStr("POSTGRES_USER", defaultUser),
		PasswordEnv:        config.GetEnvStr("POSTGRES_PASSWORD_ENV", defaultPasswordEnv),
		SSLMode:            config.GetEnvStr("POSTGRES_SSLMODE", defaultSSLMode),
		MaxOpenConns:       config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:       config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:    config.Duration(config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime)),
		ConnMaxIdleTime:    config.Duration(config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime)),
		AcquireTimeout:     config.Duration(config.GetEnvDuration("DATABASE_ACQUIRE_TIMEOUT", defaultAcquireTimeout)),
		StatementTimeout:   config.Duration(config.GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", defaultStatementTimeout)),
		AcquireRetryBase:   config.Duration(config.GetEnvDuration("DATABASE_ACQUIRE_RETRY_BASE", defaultAcquireRetryBase)),
		AcquireRetryCap:    config.Duration(config.GetEnvDuration("DATABASE_ACQUIRE_RETRY_CAP", defaultAcquireRetryCap)),
		AcquireMaxAttempts: config.GetEnvInt("DATABASE_ACQUIRE_MAX_ATTEMPTS", defaultAcquireMaxAttempts),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.URL != "" {
		return c.validatePool()
	}

	if strings.TrimSpace(c.Host) == "" {
		return ErrDatabaseHostEmpty
	}

	if strings.TrimSpace(c.User) == "" {
		return ErrDatabaseUserEmpty
	}

	if strings.TrimSpace(c.Database) == "" {
		return ErrDatabaseNameEmpty
	}

	return c.validatePool()
}

func (c *Config) validatePool() error {
	if c.MaxOpenConns <= 0 || c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return ErrInvalidPoolSizes
	}

	if c.AcquireRetryBase <= 0 || c.AcquireRetryCap <= 0 || c.AcquireMaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}

	return nil
}

// DSN assembles the connection string. A full URL wins when set; otherwise
// the string is built from the structured fields, with the password resolved
// from the environment variable named by PasswordEnv.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}

	password := ""
	if c.PasswordEnv != "" {
		password = os.Getenv(c.PasswordEnv)
	}

	if password != "" {
		u.User = url.UserPassword(c.User, password)
	} else {
		u.User = url.User(c.User)
	}

	query := url.Values{}
	if c.SSLMode != "" {
		query.Set("sslmode", c.SSLMode)
	}

	if c.StatementTimeout > 0 {
		// lib/pq forwards unknown parameters to the server, so this becomes
		// the per-statement timeout enforced server-side.
		query.Set("statement_timeout", fmt.Sprintf("%d", c.StatementTimeout.Std().Milliseconds()))
	}

	u.RawQuery = query.Encode()

	return u.String()
}

// MaskedDSN returns the connection string with the password masked, safe for
// logging.
func (c *Config) MaskedDSN() string {
	return config.MaskDatabaseURL(c.DSN())
}
