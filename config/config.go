/*
config.go - Server configuration

SOURCES (later wins):
  1. Built-in defaults
  2. .env file in the working directory, if present (never overrides a
     variable already set in the environment)
  3. Environment variables
  4. Command-line flags

KEYS:
  APP_ENV                      development | production (default development)
  HTTP_PORT                    8080
  DB_DRIVER                    sqlite | postgres
  DB_PATH                      medstock.db (sqlite, ":memory:" allowed)
  DATABASE_URL                 postgres DSN
  REDIS_ADDR                   empty = in-process lock and cache
  REDIS_PASSWORD, REDIS_DB
  JWT_SECRET                   required outside development
  SYSTEM_ACTOR_ID              actor for scheduled sweeps; empty disables them
  LOCK_TTL                     10s
  LOCK_RETRIES                 3
  LOCK_RETRY_DELAY             200ms
  CACHE_TTL                    60s (0 disables the result cache)
  SWEEP_INTERVAL               24h
  LOG_LEVEL                    info
  CORS_ORIGINS                 comma separated
  OTEL_EXPORTER_OTLP_ENDPOINT  empty = telemetry off
  SERVICE_NAME                 medstock
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	devSecret = "dev_secret"
)

type Config struct {
	Env      string
	HTTPPort int

	DBDriver    string
	DBPath      string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret      string
	SystemActorID  string
	AllowedOrigins []string

	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration
	CacheTTL       time.Duration
	SweepInterval  time.Duration

	LogLevel     string
	OTLPEndpoint string
	ServiceName  string
}

// Development reports whether dev-only defaults apply.
func (c *Config) Development() bool { return c.Env == EnvDevelopment }

// Load reads .env, the environment and the given command-line arguments
// (without the program name).
func Load(args []string) (*Config, error) {
	return load(".env", args)
}

func load(envFile string, args []string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var errs []error
	env := envReader{errs: &errs}
	cfg := &Config{
		Env:            env.str("APP_ENV", EnvDevelopment),
		HTTPPort:       env.integer("HTTP_PORT", 8080),
		DBDriver:       env.str("DB_DRIVER", DriverSQLite),
		DBPath:         env.str("DB_PATH", "medstock.db"),
		DatabaseURL:    env.str("DATABASE_URL", ""),
		RedisAddr:      env.str("REDIS_ADDR", ""),
		RedisPassword:  env.str("REDIS_PASSWORD", ""),
		RedisDB:        env.integer("REDIS_DB", 0),
		JWTSecret:      env.str("JWT_SECRET", ""),
		SystemActorID:  env.str("SYSTEM_ACTOR_ID", ""),
		AllowedOrigins: splitList(env.str("CORS_ORIGINS", "")),
		LockTTL:        env.duration("LOCK_TTL", 10*time.Second),
		LockRetries:    env.integer("LOCK_RETRIES", 3),
		LockRetryDelay: env.duration("LOCK_RETRY_DELAY", 200*time.Millisecond),
		CacheTTL:       env.duration("CACHE_TTL", 60*time.Second),
		SweepInterval:  env.duration("SWEEP_INTERVAL", 24*time.Hour),
		LogLevel:       env.str("LOG_LEVEL", "info"),
		OTLPEndpoint:   env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:    env.str("SERVICE_NAME", "medstock"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Flags
	fset := flag.NewFlagSet("medstock", flag.ContinueOnError)
	fset.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP server port")
	fset.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "database driver: sqlite or postgres")
	fset.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fset.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	fset.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address; empty uses in-process lock and cache")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fset.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "expiry sweep interval")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" && cfg.Development() {
		cfg.JWTSecret = devSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("APP_ENV must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Env))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.DBDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	} else if !c.Development() && c.JWTSecret == devSecret {
		errs = append(errs, errors.New("JWT_SECRET must not use the development default"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB must not be negative"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if c.LockRetries < 0 {
		errs = append(errs, errors.New("LOCK_RETRIES must not be negative"))
	}
	if c.LockRetryDelay <= 0 {
		errs = append(errs, errors.New("LOCK_RETRY_DELAY must be positive"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("CACHE_TTL must not be negative"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}

// envReader collects parse failures instead of stopping at the first one.
type envReader struct {
	errs *[]error
}

func (r envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r envReader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (r envReader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
