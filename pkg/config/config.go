package config

import (
	"fmt"
	"net/url"
	"time"

	apperrors "suimessenger/pkg/errors"
	"suimessenger/pkg/env"
	"suimessenger/pkg/pagination"
)

// Config holds all configuration for the messaging runtime and its tools
type Config struct {
	Ledger    LedgerConfig
	Threshold ThresholdConfig
	Storage   StorageConfig
	MinIO     MinIOConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Session   SessionConfig
	Reconcile ReconcileConfig
	Node      NodeConfig
	Log       LogConfig
}

// LedgerConfig names the on-ledger package and registry the runtime talks to
type LedgerConfig struct {
	PackageID       string
	RegistryTableID string
	ServiceID       string
}

// ThresholdConfig holds the key server committee
type ThresholdConfig struct {
	KeyServerIDs []string
	Threshold    int
}

// StorageConfig holds the content store endpoints
type StorageConfig struct {
	PublisherURL      string
	AggregatorURLs    []string
	UploadTimeout     time.Duration
	ProbeTimeout      time.Duration
	RetentionEpochs   int
	MaxCacheableBytes int
}

// MinIOConfig holds the optional S3-compatible endpoint
type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// CacheConfig selects the blob cache backend
type CacheConfig struct {
	Backend    string // memory, redis
	MaxEntries int
	KeyPrefix  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SessionConfig holds session persistence settings
type SessionConfig struct {
	Backend    string // file, redis
	Dir        string
	TTLMinutes int
}

// ReconcileConfig holds timeline settings
type ReconcileConfig struct {
	WindowSize         int
	WindowStep         int
	DecryptConcurrency int
}

// NodeConfig holds the development storage node settings
type NodeConfig struct {
	Addr           string
	DataDir        string
	RequestTimeout time.Duration
	RateLimit      int // uploads per client per minute, 0 disables
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Ledger: LedgerConfig{
			PackageID:       env.GetString("LEDGER_PACKAGE_ID", ""),
			RegistryTableID: env.GetString("LEDGER_REGISTRY_TABLE_ID", ""),
			ServiceID:       env.GetString("LEDGER_SERVICE_ID", "suimessenger"),
		},
		Threshold: ThresholdConfig{
			KeyServerIDs: env.GetStringSlice("THRESHOLD_KEY_SERVERS", nil),
			Threshold:    env.GetInt("THRESHOLD_T", 2),
		},
		Storage: StorageConfig{
			PublisherURL:      env.GetString("STORAGE_PUBLISHER_URL", "http://localhost:8084"),
			AggregatorURLs:    env.GetStringSlice("STORAGE_AGGREGATOR_URLS", []string{"http://localhost:8084"}),
			UploadTimeout:     env.GetDuration("STORAGE_UPLOAD_TIMEOUT", 2*time.Minute),
			ProbeTimeout:      env.GetDuration("STORAGE_PROBE_TIMEOUT", 10*time.Second),
			RetentionEpochs:   env.GetInt("STORAGE_RETENTION_EPOCHS", 1),
			MaxCacheableBytes: env.GetInt("STORAGE_MAX_CACHEABLE_BYTES", 500_000),
		},
		MinIO: MinIOConfig{
			Enabled:   env.GetBool("MINIO_ENABLED", false),
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetString("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "suimessenger-blobs"),
		},
		Cache: CacheConfig{
			Backend:    env.GetString("CACHE_BACKEND", "memory"),
			MaxEntries: env.GetInt("CACHE_MAX_ENTRIES", 512),
			KeyPrefix:  env.GetString("CACHE_KEY_PREFIX", "blob:"),
		},
		Redis: RedisConfig{
			Addr:     env.GetString("REDIS_ADDR", "localhost:6379"),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			Backend:    env.GetString("SESSION_BACKEND", "file"),
			Dir:        env.GetString("SESSION_DIR", ".suimessenger"),
			TTLMinutes: env.GetInt("SESSION_TTL_MINUTES", 0),
		},
		Reconcile: ReconcileConfig{
			WindowSize:         env.GetInt("TIMELINE_WINDOW", pagination.DefaultLimit),
			WindowStep:         env.GetInt("TIMELINE_WINDOW_STEP", pagination.DefaultLimit),
			DecryptConcurrency: env.GetInt("TIMELINE_DECRYPT_CONCURRENCY", 4),
		},
		Node: NodeConfig{
			Addr:           env.GetString("NODE_ADDR", ":8084"),
			DataDir:        env.GetString("NODE_DATA_DIR", "blobs"),
			RequestTimeout: env.GetDuration("NODE_REQUEST_TIMEOUT", 2*time.Minute),
			RateLimit:      env.GetInt("NODE_RATE_LIMIT", 0),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "text"),
			Output:   env.GetString("LOG_OUTPUT", "stderr"),
			FilePath: env.GetString("LOG_FILE_PATH", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Storage.AggregatorURLs) == 0 && !c.MinIO.Enabled {
		return apperrors.ValidationError("at least one storage read endpoint is required")
	}
	for _, raw := range append([]string{c.Storage.PublisherURL}, c.Storage.AggregatorURLs...) {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return apperrors.ValidationError(fmt.Sprintf("invalid storage endpoint %q", raw))
		}
	}
	if c.Storage.MaxCacheableBytes < 0 {
		return apperrors.ValidationError("STORAGE_MAX_CACHEABLE_BYTES must not be negative")
	}
	if n := len(c.Threshold.KeyServerIDs); n > 0 && (c.Threshold.Threshold < 1 || c.Threshold.Threshold > n) {
		return apperrors.ValidationError(fmt.Sprintf("threshold %d out of range for %d key servers", c.Threshold.Threshold, n))
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	switch c.Session.Backend {
	case "file", "redis":
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown session backend %q", c.Session.Backend))
	}
	if c.Session.TTLMinutes < 0 {
		return apperrors.ValidationError("SESSION_TTL_MINUTES must not be negative")
	}
	if c.Node.RateLimit < 0 {
		return apperrors.ValidationError("NODE_RATE_LIMIT must not be negative")
	}
	if c.Reconcile.DecryptConcurrency < 1 {
		return apperrors.ValidationError("TIMELINE_DECRYPT_CONCURRENCY must be at least 1")
	}
	return nil
}
