// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the service. Populated once in
// main via Load and passed explicitly to every component.
type Config struct {
	// Server
	ListenAddr      string
	APIKeys         []string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration

	// Sandbox
	SandboxBaseDir   string
	SandboxIsolation bool
	SandboxHostname  string
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MaxOutputBytes   int

	// Pool
	PoolLanguages     []string
	PoolSize          int
	PoolParallelBatch int
	ReplenishInterval time.Duration
	CleanupWorkers    int

	// State
	StateTTL        time.Duration
	UploadMarkerTTL time.Duration
	SessionTTL      time.Duration

	// Redis (empty URL selects the in-memory store)
	RedisURL string

	// Blob storage (S3Bucket empty selects the local store)
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3PathStyle    bool
	LocalBlobDir   string
	PresignExpiry  time.Duration
	DownloadDirect bool

	// Metrics
	MetricsDBPath string

	// Cleanup
	SweepInterval time.Duration
	MaxSandboxAge time.Duration
}

// Load builds a Config from the environment, applying defaults.
func Load() *Config {
	return &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8700"),
		APIKeys:         splitList(envOr("API_KEYS", "")),
		RateLimitRPS:    envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:  envInt("RATE_LIMIT_BURST", 20),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		SandboxBaseDir:   envOr("SANDBOX_BASE_DIR", "/srv/sandboxes"),
		SandboxIsolation: envBool("SANDBOX_ISOLATION", true),
		SandboxHostname:  envOr("SANDBOX_HOSTNAME", "sandbox"),
		DefaultTimeout:   envDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:       envDuration("MAX_TIMEOUT", 300*time.Second),
		MaxOutputBytes:   envInt("MAX_OUTPUT_BYTES", 1<<20),

		PoolLanguages:     splitList(envOr("POOL_LANGUAGES", "py")),
		PoolSize:          envInt("POOL_SIZE", 3),
		PoolParallelBatch: envInt("POOL_PARALLEL_BATCH", 5),
		ReplenishInterval: envDuration("POOL_REPLENISH_INTERVAL", 2*time.Second),
		CleanupWorkers:    envInt("CLEANUP_WORKERS", 4),

		StateTTL:        envDuration("STATE_TTL", 24*time.Hour),
		UploadMarkerTTL: envDuration("UPLOAD_MARKER_TTL", 60*time.Second),
		SessionTTL:      envDuration("SESSION_TTL", 7*24*time.Hour),

		RedisURL: envOr("REDIS_URL", ""),

		S3Bucket:       envOr("S3_BUCKET", ""),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3Endpoint:     envOr("S3_ENDPOINT", ""),
		S3AccessKey:    envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:    envOr("S3_SECRET_KEY", ""),
		S3PathStyle:    envBool("S3_PATH_STYLE", false),
		LocalBlobDir:   envOr("LOCAL_BLOB_DIR", "/srv/blobs"),
		PresignExpiry:  envDuration("PRESIGN_EXPIRY", 15*time.Minute),
		DownloadDirect: envBool("DOWNLOAD_DIRECT", false),

		MetricsDBPath: envOr("METRICS_DB_PATH", "runbox-metrics.db"),

		SweepInterval: envDuration("SWEEP_INTERVAL", 10*time.Minute),
		MaxSandboxAge: envDuration("MAX_SANDBOX_AGE", 1*time.Hour),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
