package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Telemetry   TelemetryConfig
	Sync        SyncConfig
	Credentials CredentialsConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds JWT validation settings. Tokens are issued elsewhere.
type JWTConfig struct {
	Secret string
	Issuer string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxHeaderBytes     int
	MaxBodySize        int64
	WebhookMaxBodySize int64
	WebhookRatePerSec  float64 // inbound webhooks per second per connection
	WebhookRateBurst   int
	CORSAllowOrigins   []string
	CORSAllowMethods   []string
	CORSAllowHeaders   []string
	TrustedProxies     []string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
	MetricsInterval   time.Duration
}

// SyncConfig holds sync orchestrator settings
type SyncConfig struct {
	Enabled           bool
	MaxConcurrentJobs int           // jobs of different pairs running at once
	WorkerCount       int           // record-level workers inside one job
	JobTimeout        time.Duration // upper bound of one run
	LeaseTTL          time.Duration // exclusive run lease expiry
	RequeueDelay      time.Duration // delay before a job whose pair is leased becomes available again
	PollInterval      time.Duration
	StaleClaimAfter   time.Duration // claimed jobs older than this are returned to the queue on startup

	RequestTimeout       time.Duration
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	RetryFailedRecords bool
	MaxRecordRetries   int

	DedupTTL time.Duration

	// Schedules maps an operation to a cron spec
	Schedules           map[string]string
	HealthCheckSchedule string
}

// CredentialsConfig holds the key credentials are encrypted with at rest
type CredentialsConfig struct {
	// EncryptionKey is 32 bytes, hex or base64 encoded
	EncryptionKey string
}

// Key decodes the encryption key
func (c CredentialsConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("credentials.encryption_key is not set")
	}
	if b, err := hex.DecodeString(c.EncryptionKey); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(c.EncryptionKey); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, fmt.Errorf("credentials.encryption_key must decode to 32 bytes")
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with MARKETSYNC_ prefix (e.g., MARKETSYNC_DATABASE_PASSWORD), including .env
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:        v.GetDuration("http.read_timeout"),
			WriteTimeout:       v.GetDuration("http.write_timeout"),
			IdleTimeout:        v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:     v.GetInt("http.max_header_bytes"),
			MaxBodySize:        v.GetInt64("http.max_body_size"),
			WebhookMaxBodySize: v.GetInt64("http.webhook_max_body_size"),
			WebhookRatePerSec:  v.GetFloat64("http.webhook_rate_per_sec"),
			WebhookRateBurst:   v.GetInt("http.webhook_rate_burst"),
			CORSAllowOrigins:   v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods:   v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders:   v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:     v.GetStringSlice("http.trusted_proxies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
		},
		Sync: SyncConfig{
			Enabled:              v.GetBool("sync.enabled"),
			MaxConcurrentJobs:    v.GetInt("sync.max_concurrent_jobs"),
			WorkerCount:          v.GetInt("sync.worker_count"),
			JobTimeout:           v.GetDuration("sync.job_timeout"),
			LeaseTTL:             v.GetDuration("sync.lease_ttl"),
			RequeueDelay:         v.GetDuration("sync.requeue_delay"),
			PollInterval:         v.GetDuration("sync.poll_interval"),
			StaleClaimAfter:      v.GetDuration("sync.stale_claim_after"),
			RequestTimeout:       v.GetDuration("sync.request_timeout"),
			RetryMaxAttempts:     v.GetInt("sync.retry_max_attempts"),
			RetryInitialInterval: v.GetDuration("sync.retry_initial_interval"),
			RetryMaxInterval:     v.GetDuration("sync.retry_max_interval"),
			RetryFailedRecords:   v.GetBool("sync.retry_failed_records"),
			MaxRecordRetries:     v.GetInt("sync.max_record_retries"),
			DedupTTL:             v.GetDuration("sync.dedup_ttl"),
			Schedules:            v.GetStringMapString("sync.schedules"),
			HealthCheckSchedule:  v.GetString("sync.health_check_schedule"),
		},
		Credentials: CredentialsConfig{
			EncryptionKey: v.GetString("credentials.encryption_key"),
		},
	}

	if !v.IsSet("sync.enabled") {
		cfg.Sync.Enabled = true
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "marketsync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "marketsync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "marketsync:"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "erp-backend"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20
	}
	if cfg.HTTP.WebhookMaxBodySize == 0 {
		cfg.HTTP.WebhookMaxBodySize = 1 << 20
	}
	if cfg.HTTP.WebhookRatePerSec == 0 {
		cfg.HTTP.WebhookRatePerSec = 50
	}
	if cfg.HTTP.WebhookRateBurst == 0 {
		cfg.HTTP.WebhookRateBurst = 100
	}
	// An empty origin list means no cross-origin requests are allowed
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "marketsync"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 30 * time.Second
	}
	applySyncDefaults(&cfg.Sync)
}

func applySyncDefaults(s *SyncConfig) {
	if s.MaxConcurrentJobs == 0 {
		s.MaxConcurrentJobs = 4
	}
	if s.WorkerCount == 0 {
		s.WorkerCount = 4
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = 30 * time.Minute
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = 10 * time.Minute
	}
	if s.RequeueDelay == 0 {
		s.RequeueDelay = 2 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = time.Second
	}
	if s.StaleClaimAfter == 0 {
		s.StaleClaimAfter = s.JobTimeout + s.LeaseTTL
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 30 * time.Second
	}
	if s.RetryMaxAttempts == 0 {
		s.RetryMaxAttempts = 5
	}
	if s.RetryInitialInterval == 0 {
		s.RetryInitialInterval = 500 * time.Millisecond
	}
	if s.RetryMaxInterval == 0 {
		s.RetryMaxInterval = 30 * time.Second
	}
	if s.MaxRecordRetries == 0 {
		s.MaxRecordRetries = 1
	}
	if s.DedupTTL == 0 {
		s.DedupTTL = 24 * time.Hour
	}
	if len(s.Schedules) == 0 {
		s.Schedules = map[string]string{
			"product_sync": "*/30 * * * *",
			"stock_update": "*/10 * * * *",
			"order_sync":   "*/5 * * * *",
		}
	}
	if s.HealthCheckSchedule == "" {
		s.HealthCheckSchedule = "*/5 * * * *"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Sync.MaxConcurrentJobs < 1 || c.Sync.WorkerCount < 1 {
		return fmt.Errorf("sync.max_concurrent_jobs and sync.worker_count must be positive")
	}
	if c.Sync.LeaseTTL <= c.Sync.RequeueDelay {
		return fmt.Errorf("sync.lease_ttl (%s) must exceed sync.requeue_delay (%s)", c.Sync.LeaseTTL, c.Sync.RequeueDelay)
	}
	if c.Sync.RetryMaxAttempts < 1 {
		return fmt.Errorf("sync.retry_max_attempts must be at least 1")
	}
	if c.Sync.StaleClaimAfter <= c.Sync.JobTimeout {
		return fmt.Errorf("sync.stale_claim_after (%s) must exceed sync.job_timeout (%s)", c.Sync.StaleClaimAfter, c.Sync.JobTimeout)
	}

	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if _, err := c.Credentials.Key(); err != nil {
			return fmt.Errorf("production requires a valid credentials key: %w", err)
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
