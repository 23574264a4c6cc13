// Package config loads the waypoint server configuration from flags,
// WAYPOINT_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petrijr/waypoint/pkg/api"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMongo    = "mongo"
)

// Schedule starts Workflow with Input on a cron Spec.
type Schedule struct {
	Name     string         `mapstructure:"name" validate:"required"`
	Spec     string         `mapstructure:"spec" validate:"required"`
	Workflow string         `mapstructure:"workflow" validate:"required"`
	Input    map[string]any `mapstructure:"input"`
}

type Config struct {
	HTTPAddr string `mapstructure:"http-addr" validate:"required"`

	Storage       string `mapstructure:"storage" validate:"oneof=memory sqlite postgres redis mongo"`
	SQLitePath    string `mapstructure:"sqlite-path" validate:"required_if=Storage sqlite"`
	PostgresDSN   string `mapstructure:"postgres-dsn" validate:"required_if=Storage postgres"`
	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPrefix   string `mapstructure:"redis-prefix"`
	MongoURI      string `mapstructure:"mongo-uri" validate:"required_if=Storage mongo"`
	MongoDatabase string `mapstructure:"mongo-database"`

	Queue string `mapstructure:"queue" validate:"oneof=memory sqlite redis"`

	Workers         int           `mapstructure:"workers" validate:"min=1"`
	ActivityWorkers int           `mapstructure:"activity-workers" validate:"min=1"`
	TimerSweep      time.Duration `mapstructure:"timer-sweep" validate:"gt=0"`

	RetryMaxAttempts    int           `mapstructure:"retry-max-attempts" validate:"min=1"`
	RetryInitialBackoff time.Duration `mapstructure:"retry-initial-backoff" validate:"min=0"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry-max-backoff" validate:"min=0"`
	RetryMultiplier     float64       `mapstructure:"retry-multiplier" validate:"gte=1"`

	LogLevel  string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log-format" validate:"oneof=text json"`

	OTLPEndpoint string `mapstructure:"otlp-endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp-insecure"`

	Schedules []Schedule `mapstructure:"schedules" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// BindFlags registers the server flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config-file", "", "Path to config file.")
	fs.String("http-addr", ":8080", "address of the HTTP API")
	fs.String("storage", StorageSQLite, "history backend: memory, sqlite, postgres, redis or mongo")
	fs.String("sqlite-path", "waypoint.db", "SQLite database file")
	fs.String("postgres-dsn", "", "Postgres connection string")
	fs.String("redis-addr", "localhost:6379", "Redis host:port")
	fs.String("redis-prefix", "waypoint:", "key prefix in Redis")
	fs.String("mongo-uri", "", "MongoDB connection URI")
	fs.String("mongo-database", "waypoint", "MongoDB database name")
	fs.String("queue", StorageSQLite, "run queue backend: memory, sqlite or redis")
	fs.Int("workers", 4, "replay workers")
	fs.Int("activity-workers", 8, "activity executor goroutines")
	fs.Duration("timer-sweep", time.Second, "interval between due timer sweeps")
	fs.Int("retry-max-attempts", 3, "default activity attempts")
	fs.Duration("retry-initial-backoff", time.Second, "default first retry delay")
	fs.Duration("retry-max-backoff", time.Minute, "default retry delay cap")
	fs.Float64("retry-multiplier", 2, "default retry delay multiplier")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "text", "text or json")
	fs.String("otlp-endpoint", "", "OTLP/HTTP trace endpoint; empty disables tracing")
	fs.Bool("otlp-insecure", false, "send traces without TLS")
	return v.BindPFlags(fs)
}

// Load reads configFile (optional) and the environment into a validated
// Config. Flags must already be bound with BindFlags.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	v.SetEnvPrefix("WAYPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case c.Queue == StorageSQLite && c.Storage != StorageSQLite:
		return errors.New("invalid config: sqlite queue requires sqlite storage")
	case (c.Queue == StorageRedis || c.Storage == StorageRedis) && c.RedisAddr == "":
		return errors.New("invalid config: redis-addr is required")
	}
	return nil
}

// RetryPolicy returns the default activity retry policy.
func (c *Config) RetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:       c.RetryMaxAttempts,
		InitialBackoff:    c.RetryInitialBackoff,
		MaxBackoff:        c.RetryMaxBackoff,
		BackoffMultiplier: c.RetryMultiplier,
	}
}
