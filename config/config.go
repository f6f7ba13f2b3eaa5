// Package config provides configuration management for the application.
//
// Configuration is layered: built-in defaults, then an optional YAML file with
// ${VAR} / ${VAR:-default} expansion, then environment variable overrides.
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"zengateway/internal/money"
)

// DefaultBodySizeLimit is the default maximum request body size (10MB)
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// Storage backends for the ledger and request log.
const (
	StorageSQLite     = "sqlite"
	StoragePostgreSQL = "postgresql"
	StorageMongoDB    = "mongodb"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Billing    BillingConfig    `yaml:"billing"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string `yaml:"port"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
}

// HTTPConfig holds outbound HTTP client timeouts in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// StorageConfig selects the ledger database.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// CacheConfig configures where the last good catalog snapshot is kept.
type CacheConfig struct {
	Type     string      `yaml:"type"`
	CacheDir string      `yaml:"cache_dir"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
	// TTL in seconds
	TTL int `yaml:"ttl"`
}

// CatalogConfig configures the model/provider catalog source.
type CatalogConfig struct {
	Source string `yaml:"source"`
	// RefreshInterval in seconds; 0 disables periodic refresh.
	RefreshInterval int  `yaml:"refresh_interval"`
	Watch           bool `yaml:"watch"`
}

// BillingConfig holds billing defaults.
type BillingConfig struct {
	FreeWorkspaces []string     `yaml:"free_workspaces"`
	Reload         ReloadConfig `yaml:"reload"`
}

// ReloadConfig configures the auto-reload trigger.
type ReloadConfig struct {
	ThresholdUSD string `yaml:"threshold_usd"`
	AmountUSD    string `yaml:"amount_usd"`
	// LockDuration in seconds
	LockDuration int    `yaml:"lock_duration"`
	Queue        string `yaml:"queue"`
	RedisURL     string `yaml:"redis_url"`
	RedisKey     string `yaml:"redis_key"`
}

// Threshold returns the default reload threshold in micro-cents.
func (r ReloadConfig) Threshold() (int64, error) {
	return money.ParseUSD(r.ThresholdUSD)
}

// Amount returns the default reload amount in micro-cents.
func (r ReloadConfig) Amount() (int64, error) {
	return money.ParseUSD(r.AmountUSD)
}

// RequestLogConfig configures persistent request logs.
type RequestLogConfig struct {
	Enabled bool `yaml:"enabled"`
	// StorageType is empty to share the ledger storage, or "mongodb".
	StorageType   string `yaml:"storage_type"`
	BufferSize    int    `yaml:"buffer_size"`
	FlushInterval int    `yaml:"flush_interval"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
		Storage: StorageConfig{
			Type:       StorageSQLite,
			SQLite:     SQLiteConfig{Path: "data/zengateway.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "zengateway"},
		},
		Cache: CacheConfig{
			Type:     "local",
			CacheDir: ".cache",
		},
		Catalog: CatalogConfig{
			Source:          "config/catalog.yaml",
			RefreshInterval: 300,
			Watch:           true,
		},
		Billing: BillingConfig{
			Reload: ReloadConfig{
				ThresholdUSD: "5",
				AmountUSD:    "20",
				LockDuration: 60,
				Queue:        "log",
				RedisKey:     "zen:reload:jobs",
			},
		},
		RequestLog: RequestLogConfig{
			Enabled:       false,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Log: LogConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// config/config.yaml and config.yaml are tried in that order.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	cfg := buildDefaultConfig()

	if path == "" {
		path = os.Getenv("ZEN_CONFIG")
	}
	explicit := path != ""
	candidates := []string{path}
	if !explicit {
		candidates = []string{"config/config.yaml", "config.yaml"}
	}

	for _, candidate := range candidates {
		raw, err := os.ReadFile(candidate)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicit {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", candidate, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", candidate, err)
		}
		break
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageSQLite, StoragePostgreSQL:
	case StorageMongoDB:
		return fmt.Errorf("storage type %q cannot hold the billing ledger (valid: sqlite, postgresql); use request_log.storage_type for MongoDB", c.Storage.Type)
	default:
		return fmt.Errorf("unknown storage type: %q (valid: sqlite, postgresql)", c.Storage.Type)
	}
	switch c.RequestLog.StorageType {
	case "", StorageMongoDB:
	default:
		return fmt.Errorf("unknown request_log.storage_type: %q (valid: empty, mongodb)", c.RequestLog.StorageType)
	}
	switch c.Cache.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown cache type: %q (valid: local, redis)", c.Cache.Type)
	}
	if strings.TrimSpace(c.Catalog.Source) == "" {
		return errors.New("catalog.source is required")
	}
	if _, err := c.Billing.Reload.Threshold(); err != nil {
		return fmt.Errorf("billing.reload.threshold_usd: %w", err)
	}
	if _, err := c.Billing.Reload.Amount(); err != nil {
		return fmt.Errorf("billing.reload.amount_usd: %w", err)
	}
	switch c.Billing.Reload.Queue {
	case "log", "redis":
	default:
		return fmt.Errorf("unknown billing.reload.queue: %q (valid: log, redis)", c.Billing.Reload.Queue)
	}
	return nil
}

// OutboundTimeout is the overall upstream request timeout.
func (h HTTPConfig) OutboundTimeout() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// HeaderTimeout is the time allowed for upstream response headers.
func (h HTTPConfig) HeaderTimeout() time.Duration {
	return time.Duration(h.ResponseHeaderTimeout) * time.Second
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders with values
// from the environment. A placeholder with no value and no default is left as is.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		value := os.Getenv(parts[1])
		if value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// ExpandEnv exposes placeholder expansion for other configuration sources
// such as the catalog's provider credentials.
func ExpandEnv(s string) string {
	return expandString(s)
}

// applyEnvOverrides applies environment variables on top of file values.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setString("PORT", &cfg.Server.Port)
	setInt64("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)

	setInt("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	setInt("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("CACHE_DIR", &cfg.Cache.CacheDir)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)
	setString("REDIS_KEY", &cfg.Cache.Redis.Key)

	setString("CATALOG_SOURCE", &cfg.Catalog.Source)
	setInt("CATALOG_REFRESH_INTERVAL", &cfg.Catalog.RefreshInterval)
	setBool("CATALOG_WATCH", &cfg.Catalog.Watch)

	if v := os.Getenv("ZEN_FREE_WORKSPACES"); v != "" {
		cfg.Billing.FreeWorkspaces = splitList(v)
	}
	setString("RELOAD_THRESHOLD_USD", &cfg.Billing.Reload.ThresholdUSD)
	setString("RELOAD_AMOUNT_USD", &cfg.Billing.Reload.AmountUSD)
	setInt("RELOAD_LOCK_DURATION", &cfg.Billing.Reload.LockDuration)
	setString("RELOAD_QUEUE", &cfg.Billing.Reload.Queue)
	setString("RELOAD_REDIS_URL", &cfg.Billing.Reload.RedisURL)

	setBool("REQUEST_LOG_ENABLED", &cfg.RequestLog.Enabled)
	setString("REQUEST_LOG_STORAGE_TYPE", &cfg.RequestLog.StorageType)
	setInt("REQUEST_LOG_BUFFER_SIZE", &cfg.RequestLog.BufferSize)
	setInt("REQUEST_LOG_FLUSH_INTERVAL", &cfg.RequestLog.FlushInterval)
	setInt("REQUEST_LOG_RETENTION_DAYS", &cfg.RequestLog.RetentionDays)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
