package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/assetimport/internal/db"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Database db.Config
	Import   ImportConfig
	Redis    RedisConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// ImportConfig tunes the import worker pool.
type ImportConfig struct {
	BatchSize    int
	Workers      int
	QueueSize    int
	StallTimeout time.Duration
	CacheSize    int
}

// RedisConfig enables the cross-process tenant lock when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig exposes /metrics on Addr when set.
type MetricsConfig struct {
	Addr string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Import: ImportConfig{
			BatchSize:    500,
			Workers:      4,
			QueueSize:    64,
			StallTimeout: 10 * time.Minute,
			CacheSize:    256,
		},
		Redis: RedisConfig{LockTTL: 30 * time.Second},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config.yaml from configPath when present and applies ASSETIMPORT_*
// environment overrides, e.g. ASSETIMPORT_DATABASE_HOST or ASSETIMPORT_IMPORT_BATCH_SIZE.
func Load(configPath string) (Config, bool, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("ASSETIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"database.host", "database.port", "database.user", "database.password",
		"database.dbname", "database.sslmode", "database.max_conns",
		"import.batch_size", "import.workers", "import.queue_size", "import.stall_timeout", "import.cache_size",
		"redis.addr", "redis.password", "redis.db", "redis.lock_ttl",
		"log.level", "log.format",
		"metrics.addr",
	} {
		_ = v.BindEnv(key)
	}

	loaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, false, fmt.Errorf("read config: %w", err)
		}
		loaded = false
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}

	if v.IsSet("import.batch_size") {
		cfg.Import.BatchSize = v.GetInt("import.batch_size")
	}
	if v.IsSet("import.workers") {
		cfg.Import.Workers = v.GetInt("import.workers")
	}
	if v.IsSet("import.queue_size") {
		cfg.Import.QueueSize = v.GetInt("import.queue_size")
	}
	if v.IsSet("import.stall_timeout") {
		cfg.Import.StallTimeout = v.GetDuration("import.stall_timeout")
	}
	if v.IsSet("import.cache_size") {
		cfg.Import.CacheSize = v.GetInt("import.cache_size")
	}

	if v.IsSet("redis.addr") {
		cfg.Redis.Addr = v.GetString("redis.addr")
	}
	if v.IsSet("redis.password") {
		cfg.Redis.Password = v.GetString("redis.password")
	}
	if v.IsSet("redis.db") {
		cfg.Redis.DB = v.GetInt("redis.db")
	}
	if v.IsSet("redis.lock_ttl") {
		cfg.Redis.LockTTL = v.GetDuration("redis.lock_ttl")
	}

	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = v.GetString("log.format")
	}
	if v.IsSet("metrics.addr") {
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}

	return cfg, loaded, cfg.Validate()
}

// Validate rejects values the importer cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Import.BatchSize <= 0:
		return fmt.Errorf("import.batch_size must be positive, got %d", c.Import.BatchSize)
	case c.Import.Workers <= 0:
		return fmt.Errorf("import.workers must be positive, got %d", c.Import.Workers)
	case c.Import.QueueSize <= 0:
		return fmt.Errorf("import.queue_size must be positive, got %d", c.Import.QueueSize)
	case c.Import.StallTimeout < 0:
		return fmt.Errorf("import.stall_timeout must not be negative")
	}
	return nil
}
