package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	FeedURL       string
	FeedTimeout   time.Duration
	FeedPageSize  int
	FeedMaxPages  int
	FeedRateLimit float64 // requests per second
	FeedUserAgent string
	FeedRegion    *domain.BoundingBox

	StoreDSN string

	PollInterval        time.Duration
	PollOverlap         time.Duration
	PollInitialLookback time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	RetryAfterMax       time.Duration // ceiling on a feed-requested Retry-After
	UpsertTimeout       time.Duration
	StaleAfter          time.Duration

	// Change publishing is disabled when KafkaBrokers is empty.
	KafkaBrokers      []string
	KafkaChangesTopic string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		FeedURL:           sharedcfg.EnvOrDefault("FEED_URL", "https://earthquake.usgs.gov/fdsnws/event/1/query"),
		FeedUserAgent:     sharedcfg.EnvOrDefault("FEED_USER_AGENT", "quake-data-etl/1.0"),
		StoreDSN:          sharedcfg.EnvOrDefault("STORE_DSN", "sqlite://quake.db"),
		KafkaChangesTopic: sharedcfg.EnvOrDefault("KAFKA_CHANGES_TOPIC", "quake-event-changes"),
		HTTPAddr:          sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:          sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,
		MapboxToken:       os.Getenv("MAPBOX_TOKEN"),
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"FEED_TIMEOUT", "30s", &cfg.FeedTimeout},
		{"POLL_INTERVAL", "60s", &cfg.PollInterval},
		{"POLL_INITIAL_LOOKBACK", "24h", &cfg.PollInitialLookback},
		{"BACKOFF_INITIAL", "1s", &cfg.BackoffInitial},
		{"BACKOFF_MAX", "5m", &cfg.BackoffMax},
		{"RETRY_AFTER_MAX", "15m", &cfg.RetryAfterMax},
		{"UPSERT_TIMEOUT", "5s", &cfg.UpsertTimeout},
		{"STALE_AFTER", "5m", &cfg.StaleAfter},
		{"MAPBOX_TIMEOUT", "5s", &cfg.MapboxTimeout},
	}
	for _, d := range durations {
		if *d.dest, err = parsePositiveDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if cfg.PollOverlap, err = parseDuration("POLL_OVERLAP", "5m"); err != nil {
		return nil, err
	}

	if cfg.FeedPageSize, err = parsePositiveInt("FEED_PAGE_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.FeedPageSize > 20000 {
		return nil, errors.New("invalid FEED_PAGE_SIZE: must be at most 20000")
	}
	if cfg.FeedMaxPages, err = parsePositiveInt("FEED_MAX_PAGES", 20); err != nil {
		return nil, err
	}
	cfg.MapboxCacheSize = parseMapboxCacheSize()

	rate, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("FEED_RATE_LIMIT", "2"), 64)
	if err != nil || rate <= 0 {
		return nil, errors.New("invalid FEED_RATE_LIMIT: must be a positive number")
	}
	cfg.FeedRateLimit = rate

	if v := os.Getenv("FEED_REGION"); v != "" {
		region, err := domain.ParseBoundingBox(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FEED_REGION: %w", err)
		}
		cfg.FeedRegion = &region
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(v)
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}

	if cfg.FeedURL == "" {
		return nil, errors.New("FEED_URL is required")
	}
	if cfg.StoreDSN == "" {
		return nil, errors.New("STORE_DSN is required")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return nil, errors.New("invalid BACKOFF_MAX: must not be below BACKOFF_INITIAL")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaChangesTopic == "" {
		return nil, errors.New("KAFKA_CHANGES_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

// PublishChanges reports whether reconciled changes go to Kafka.
func (c *Config) PublishChanges() bool {
	return len(c.KafkaBrokers) > 0
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative duration", key)
	}
	return d, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
