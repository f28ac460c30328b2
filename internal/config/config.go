package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"ratings-tracker/internal/constants"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

var (
	ErrMissingTable = errors.New("USER_STATS_TABLE is required")
	ErrInvalidValue = errors.New("invalid configuration value")
)

type Config struct {
	UserStatsTable string
	DBPath         string
	ServerPort     string
	MetricsPort    string
	LogLevel       string
	SourceBaseURL  string

	Refresh RefreshConfig
	Source  SourceConfig
	Bounds  Bounds

	envFileLoaded bool
}

type RefreshConfig struct {
	PageSize      int
	PageDelay     time.Duration
	SweepDuration time.Duration
	ScanBackoff   time.Duration
	Workers       int
	StoreTimeout  time.Duration
}

type SourceConfig struct {
	FetchTimeout time.Duration
	RateLimit    float64
}

// Bounds is the inclusive range of rating values accepted from the source.
type Bounds struct {
	Min float64
	Max float64
}

// Load reads .env when present and builds the Config from the environment. It runs
// before the logger exists, since LOG_LEVEL may come from .env.
func Load() (*Config, error) {
	envErr := godotenv.Load()

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.envFileLoaded = envErr == nil
	return cfg, nil
}

// LogLoaded reports the effective configuration once the logger is available.
func LogLoaded(cfg *Config, logger zerolog.Logger) {
	if !cfg.envFileLoaded {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	logger.Info().
		Str("table", cfg.UserStatsTable).
		Str("db_path", cfg.DBPath).
		Str("server_port", cfg.ServerPort).
		Str("metrics_port", cfg.MetricsPort).
		Str("log_level", cfg.LogLevel).
		Int("page_size", cfg.Refresh.PageSize).
		Dur("page_delay", cfg.Refresh.PageDelay).
		Dur("sweep_duration", cfg.Refresh.SweepDuration).
		Dur("scan_backoff", cfg.Refresh.ScanBackoff).
		Int("workers", cfg.Refresh.Workers).
		Float64("rating_min", cfg.Bounds.Min).
		Float64("rating_max", cfg.Bounds.Max).
		Msg("configuration loaded")
}

// FromEnv builds a Config from a lookup function so tests can supply their own environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		UserStatsTable: p.str("USER_STATS_TABLE", ""),
		DBPath:         p.str("DB_PATH", "user_stats.db"),
		ServerPort:     p.str("SERVER_PORT", "8080"),
		MetricsPort:    p.str("METRICS_PORT", "9090"),
		LogLevel:       p.str("LOG_LEVEL", "info"),
		SourceBaseURL:  p.str("SHOWDOWN_BASE_URL", constants.DefaultSourceBaseURL),
		Refresh: RefreshConfig{
			PageSize:      p.integer("REFRESH_PAGE_SIZE", constants.DefaultPageSize),
			PageDelay:     p.duration("REFRESH_PAGE_DELAY", constants.DefaultPageDelay),
			SweepDuration: p.duration("REFRESH_SWEEP_DURATION", constants.DefaultSweepDuration),
			ScanBackoff:   p.duration("REFRESH_SCAN_BACKOFF", constants.DefaultScanBackoff),
			Workers:       p.integer("REFRESH_WORKERS", constants.DefaultRefreshWorkers),
			StoreTimeout:  p.duration("REFRESH_STORE_TIMEOUT", constants.DatabaseTimeout),
		},
		Source: SourceConfig{
			FetchTimeout: p.duration("REFRESH_FETCH_TIMEOUT", constants.ExternalAPITimeout),
			RateLimit:    p.float("SOURCE_RATE_LIMIT", constants.DefaultSourceRateLimit),
		},
		Bounds: Bounds{
			Min: p.float("RATING_MIN", constants.DefaultRatingMin),
			Max: p.float("RATING_MAX", constants.DefaultRatingMax),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.UserStatsTable == "" {
		return nil, ErrMissingTable
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Refresh.PageSize <= 0 {
		return fmt.Errorf("%w: REFRESH_PAGE_SIZE must be positive", ErrInvalidValue)
	}
	if c.Refresh.Workers <= 0 {
		return fmt.Errorf("%w: REFRESH_WORKERS must be positive", ErrInvalidValue)
	}
	if c.Refresh.PageDelay < 0 || c.Refresh.SweepDuration < 0 || c.Refresh.ScanBackoff <= 0 {
		return fmt.Errorf("%w: refresh delays must not be negative and backoff must be positive", ErrInvalidValue)
	}
	if c.Source.RateLimit <= 0 {
		return fmt.Errorf("%w: SOURCE_RATE_LIMIT must be positive", ErrInvalidValue)
	}
	if c.Bounds.Min > c.Bounds.Max {
		return fmt.Errorf("%w: RATING_MIN %.0f exceeds RATING_MAX %.0f", ErrInvalidValue, c.Bounds.Min, c.Bounds.Max)
	}
	return nil
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, fallback string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	v := p.getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, value, err)
	}
}

var Module = fx.Provide(Load)
