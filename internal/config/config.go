// Package config loads the indexer's runtime configuration from
// environment variables, an optional .env file, and a pools.yaml file
// describing the set of pools to track.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all indexer configuration values.
type Config struct {
	// Storage
	DataDir string

	// Upstream chain API
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int

	// Redis-backed ordered index
	RedisURL string

	// Backfill
	BackfillConcurrencyMin int
	BackfillConcurrencyMax int
	BackfillPageSize       int
	StartDate              time.Time

	// Classifier
	ClassifyBatchSize int

	// Reconciliation / rebuild
	RebuildInterval time.Duration

	// Metrics
	MetricsAddr string

	// Logging
	LogLevel string

	// PoolsFile is the path to the pools.yaml manifest.
	PoolsFile string

	// InitialPoolAddress/InitialTrackedAsset seed the single pool a
	// fresh deployment tracks before pools.yaml adds any more.
	InitialPoolAddress  string
	InitialTrackedAsset string

	// JWTSecret and AllowedOrigins are read and passed through
	// unvalidated for the out-of-scope request-authentication and HTTP
	// surface collaborators; the indexer core never inspects them.
	JWTSecret      string
	AllowedOrigins string

	// startDateErr holds a malformed START_DATE's parse error so Load can
	// keep its no-error signature; Validate surfaces it.
	startDateErr error
}

// Load reads configuration from environment variables and an optional
// .env file in the working directory. Missing values fall back to
// sensible defaults.
func Load() *Config {
	_ = godotenv.Load()

	startDate, startDateErr := parseStartDate(getEnv("START_DATE", ""))

	return &Config{
		DataDir:         getEnv("INDEXER_DATA_DIR", "~/.indexer"),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://tonapi.io"),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),
		UpstreamTimeout: time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SEC", 30)) * time.Second,
		RateLimitRPS:    getEnvFloat("UPSTREAM_RATE_LIMIT_RPS", 10),
		RateLimitBurst:  getEnvInt("UPSTREAM_RATE_LIMIT_BURST", 20),
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		BackfillConcurrencyMin: getEnvInt("BACKFILL_CONCURRENCY_MIN", 5),
		BackfillConcurrencyMax: getEnvInt("BACKFILL_CONCURRENCY_MAX", 30),
		BackfillPageSize:       getEnvInt("BACKFILL_PAGE_SIZE", 1000),
		StartDate:              startDate,
		startDateErr:           startDateErr,
		ClassifyBatchSize:      getEnvInt("WORKER_BATCH_SIZE", 10),
		RebuildInterval:        time.Duration(getEnvInt("REBUILD_INTERVAL_HOURS", 6)) * time.Hour,
		MetricsAddr:            getEnv("METRICS_ADDR", ":9090"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		PoolsFile:              getEnv("POOLS_FILE", "pools.yaml"),
		InitialPoolAddress:     getEnv("INITIAL_POOL_ADDRESS", ""),
		InitialTrackedAsset:    getEnv("INITIAL_TRACKED_ASSET", ""),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		AllowedOrigins:         getEnv("ALLOWED_ORIGINS", ""),
	}
}

// parseStartDate parses START_DATE as the ISO date spec.md §6 documents
// ("START_DATE (ISO date serving as epoch)"), matching the original
// source's `datetime.strptime(settings.start_date, "%Y-%m-%d")`. An unset
// value defaults to the Unix epoch (first-run backfill collects all
// history); a set-but-unparseable value is surfaced by Validate rather
// than silently falling back, since that would otherwise backfill a
// pool's entire history in place of the intended cutoff.
func parseStartDate(v string) (time.Time, error) {
	if v == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid START_DATE %q: want YYYY-MM-DD: %w", v, err)
	}
	return t, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Validate checks that the configuration has enough information to run.
func (c *Config) Validate() error {
	if c.startDateErr != nil {
		return c.startDateErr
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL must be set")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("UPSTREAM_RATE_LIMIT_RPS must be positive")
	}
	if c.BackfillConcurrencyMin <= 0 || c.BackfillConcurrencyMax < c.BackfillConcurrencyMin {
		return fmt.Errorf("invalid backfill concurrency bounds [%d, %d]", c.BackfillConcurrencyMin, c.BackfillConcurrencyMax)
	}
	return nil
}
