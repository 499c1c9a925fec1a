package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quote-backfill-service/internal/timewindow"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the service configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig `env:", prefix=DB_"`
	MetaDB   MetaDBConfig   `env:", prefix=METADB_"`
	Redis    RedisConfig    `env:", prefix=REDIS_"`
	NATS     NATSConfig     `env:", prefix=NATS_"`
	Upstream UpstreamConfig
	Backfill BackfillConfig
	Logging  LoggingConfig `env:", prefix=LOG_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int           `env:"PORT, default=8080"`
	GinMode             string        `env:"GIN_MODE"`
	AllowedOrigins      []string      `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:3000,http://localhost:3001"`
	HealthcheckFile     string        `env:"HEALTHCHECK_FILE, default=/tmp/healthcheck"`
	HealthcheckInterval time.Duration `env:"HEALTHCHECK_INTERVAL, default=30s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s"`
}

// DatabaseConfig holds the quote store connection settings
type DatabaseConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=5432"`
	User            string        `env:"USER, default=postgres"`
	Password        string        `env:"PASSWORD, default=postgres"`
	Name            string        `env:"NAME, default=market_data"`
	SSLMode         string        `env:"SSLMODE, default=disable"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
	MigrateOnStart  bool          `env:"MIGRATE_ON_START, default=true"`
}

// ConnectionString returns a lib/pq keyword/value DSN
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// MetaDBConfig holds the optional metadata database settings. The metadata
// store is disabled when no host is configured.
type MetaDBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT, default=5432"`
	User     string `env:"USER, default=postgres"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME, default=metadata"`
	SSLMode  string `env:"SSLMODE, default=disable"`
	MaxConns int32  `env:"MAX_CONNS, default=10"`
}

func (c MetaDBConfig) Enabled() bool {
	return c.Host != ""
}

func (c MetaDBConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.MaxConns)
}

// RedisConfig holds the optional cache settings
type RedisConfig struct {
	URL       string        `env:"URL"`
	TickerTTL time.Duration `env:"TICKER_TTL, default=24h"`
	StatsTTL  time.Duration `env:"STATS_TTL, default=168h"`
}

// NATSConfig holds the optional run-event publisher settings
type NATSConfig struct {
	URL           string        `env:"URL"`
	Subject       string        `env:"SUBJECT, default=backfill.runs"`
	MaxReconnect  int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT, default=2s"`
}

// UpstreamConfig holds the quote history provider settings
type UpstreamConfig struct {
	BaseURL       string        `env:"BASE_URL, default=http://localhost:25503/v3"`
	Venue         string        `env:"UPSTREAM_VENUE, default=nqb"`
	Interval      string        `env:"UPSTREAM_INTERVAL, default=1s"`
	Timeout       time.Duration `env:"UPSTREAM_TIMEOUT, default=60s"`
	RatePerMinute int           `env:"UPSTREAM_RATE_PER_MINUTE, default=0"`
	RetryAttempts int           `env:"RETRY_MAX_ATTEMPTS, default=3"`
	RetryDelay    time.Duration `env:"RETRY_DELAY, default=5s"`
	MarketOpen    string        `env:"MARKET_OPEN, default=09:30:00"`
	MarketClose   string        `env:"MARKET_CLOSE, default=16:00:00"`
}

// BackfillConfig holds the backfill engine and scheduler settings
type BackfillConfig struct {
	Lookback              string   `env:"LOOKBACK"`
	DaysBack              int      `env:"DAYS_BACK"`
	Schedule              string   `env:"SCHEDULE, default=1d"`
	ScheduleTime          string   `env:"SCHEDULE_TIME, default=16:15"`
	ScheduleEnabled       bool     `env:"SCHEDULE_ENABLED, default=true"`
	Repair                bool     `env:"REPAIR, default=true"`
	ParallelWorkers       int      `env:"PARALLEL_WORKERS, default=2"`
	TickerSource          string   `env:"TICKER_SOURCE, default=db"`
	TickerList            []string `env:"TICKER_LIST"`
	TickerFile            string   `env:"TICKER_FILE, default=tickers.yaml"`
	Holidays              []string `env:"HOLIDAYS"`
	AvailabilityChunkSize int      `env:"AVAILABILITY_CHUNK_SIZE, default=50"`
	InsertBatchSize       int      `env:"INSERT_BATCH_SIZE, default=1000"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `env:"LEVEL, default=info"`
	Format     string `env:"FORMAT, default=text"`
	Output     string `env:"OUTPUT, default=stdout"`
	BufferSize int    `env:"BUFFER_SIZE, default=1000"`
}

// Ticker source names accepted by TICKER_SOURCE
const (
	TickerSourceDB         = "db"
	TickerSourceStatic     = "static"
	TickerSourceConfigFile = "config_file"
)

// Load loads configuration from the process environment
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith loads configuration using the given lookuper
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	// DAYS_BACK is honoured only when LOOKBACK is unset
	if cfg.Backfill.Lookback == "" {
		if cfg.Backfill.DaysBack > 0 {
			cfg.Backfill.Lookback = fmt.Sprintf("%dd", cfg.Backfill.DaysBack)
		} else {
			cfg.Backfill.Lookback = "1d"
		}
	}

	cfg.Backfill.TickerSource = strings.ToLower(strings.TrimSpace(cfg.Backfill.TickerSource))
	if cfg.Backfill.TickerSource == "env" {
		cfg.Backfill.TickerSource = TickerSourceStatic
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &FieldError{Field: "PORT", Err: fmt.Errorf("out of range: %d", c.Server.Port)}
	}
	if _, err := timewindow.ParseLookback(c.Backfill.Lookback); err != nil {
		return &FieldError{Field: "LOOKBACK", Err: err}
	}
	if _, err := timewindow.ParseDuration(c.Backfill.Schedule); err != nil {
		return &FieldError{Field: "SCHEDULE", Err: err}
	}
	if c.Backfill.ParallelWorkers < 1 {
		return &FieldError{Field: "PARALLEL_WORKERS", Err: fmt.Errorf("must be at least 1")}
	}
	if c.Backfill.AvailabilityChunkSize < 1 {
		return &FieldError{Field: "AVAILABILITY_CHUNK_SIZE", Err: fmt.Errorf("must be at least 1")}
	}
	if c.Upstream.RetryAttempts < 1 {
		return &FieldError{Field: "RETRY_MAX_ATTEMPTS", Err: fmt.Errorf("must be at least 1")}
	}
	if _, err := timewindow.ParseDateSet(c.Backfill.Holidays); err != nil {
		return &FieldError{Field: "HOLIDAYS", Err: err}
	}

	switch c.Backfill.TickerSource {
	case TickerSourceDB, TickerSourceStatic, TickerSourceConfigFile:
	default:
		return &FieldError{Field: "TICKER_SOURCE", Err: fmt.Errorf("unknown source %q", c.Backfill.TickerSource)}
	}
	return nil
}

// Calendar builds the holiday calendar from the fixed closures plus HOLIDAYS
func (c *Config) Calendar() timewindow.Calendar {
	extra, err := timewindow.ParseDateSet(c.Backfill.Holidays)
	if err != nil || len(extra) == 0 {
		return timewindow.FixedHolidays{}
	}
	return timewindow.Calendars{timewindow.FixedHolidays{}, extra}
}

// Settings returns the mutable runtime settings seeded from this configuration
func (c *Config) Settings() *Settings {
	return NewSettings(RuntimeSettings{
		Lookback:        c.Backfill.Lookback,
		Schedule:        c.Backfill.Schedule,
		ScheduleTime:    c.Backfill.ScheduleTime,
		ScheduleEnabled: c.Backfill.ScheduleEnabled,
		Repair:          c.Backfill.Repair,
		ParallelWorkers: c.Backfill.ParallelWorkers,
		TickerSource:    c.Backfill.TickerSource,
		BaseURL:         c.Upstream.BaseURL,
	})
}
