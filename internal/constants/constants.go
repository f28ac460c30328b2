package constants

import "time"

const (
	DefaultPageSize       = 50
	DefaultPageDelay      = 1 * time.Second
	DefaultSweepDuration  = 60 * time.Second
	DefaultScanBackoff    = 1 * time.Hour
	DefaultRefreshWorkers = 8
)

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RequestTimeout     = 30 * time.Second
)

const (
	DefaultRatingMin = 1000
	DefaultRatingMax = 10000
)

const (
	DefaultSourceRateLimit = 5
	DefaultSourceBaseURL   = "https://pokemonshowdown.com"
)

// SQLite pragmas are per connection, so the single connection is never recycled.
const (
	DBMaxOpenConns    = 1
	DBMaxIdleConns    = 1
	DBConnMaxLifetime = 0
	DBMaxIdleTime     = 0
)

const (
	ShutdownTimeout = 5 * time.Second
)

// StatsAttribute names the column holding the compressed history blob.
const StatsAttribute = "stats_json_gz"
