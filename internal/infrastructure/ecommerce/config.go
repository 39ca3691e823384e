package ecommerce

import (
	"errors"
	"time"

	"github.com/erp/marketsync/internal/infrastructure/config"
)

// TransportConfig holds the settings shared by every connector's HTTP transport
type TransportConfig struct {
	// Timeout bounds one HTTP round-trip
	Timeout time.Duration
	// MaxAttempts is the total number of tries of one call, first attempt included
	MaxAttempts int
	// InitialInterval is the first backoff delay
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay
	MaxInterval time.Duration
	// RandomizationFactor spreads retries of concurrent callers apart
	RandomizationFactor float64
	// UserAgent is sent on every request
	UserAgent string
}

const (
	defaultTimeout             = 30 * time.Second
	defaultMaxAttempts         = 5
	defaultInitialInterval     = 500 * time.Millisecond
	defaultMaxInterval         = 30 * time.Second
	defaultRandomizationFactor = 0.5
	defaultUserAgent           = "marketsync/1.0"
)

// Errors for transport configuration
var (
	ErrConfigInvalidAttempts = errors.New("ecommerce: max attempts must be positive")
	ErrConfigInvalidInterval = errors.New("ecommerce: max interval must not be below initial interval")
)

// NewTransportConfig creates a transport configuration with defaults
func NewTransportConfig() *TransportConfig {
	return &TransportConfig{
		Timeout:             defaultTimeout,
		MaxAttempts:         defaultMaxAttempts,
		InitialInterval:     defaultInitialInterval,
		MaxInterval:         defaultMaxInterval,
		RandomizationFactor: defaultRandomizationFactor,
		UserAgent:           defaultUserAgent,
	}
}

// TransportConfigFrom maps the sync settings onto a transport configuration.
// Zero values keep the defaults.
func TransportConfigFrom(cfg config.SyncConfig) *TransportConfig {
	tc := NewTransportConfig()
	if cfg.RequestTimeout > 0 {
		tc.Timeout = cfg.RequestTimeout
	}
	if cfg.RetryMaxAttempts > 0 {
		tc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialInterval > 0 {
		tc.InitialInterval = cfg.RetryInitialInterval
	}
	if cfg.RetryMaxInterval > 0 {
		tc.MaxInterval = cfg.RetryMaxInterval
	}
	return tc
}

// Validate fills unset values with defaults and rejects inconsistent ones
func (c *TransportConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return ErrConfigInvalidAttempts
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		return ErrConfigInvalidInterval
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		c.RandomizationFactor = defaultRandomizationFactor
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return nil
}
