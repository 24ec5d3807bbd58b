package config

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultEndpoint      = "https://dns.quad9.net/dns-query"
	DefaultCacheMaxSize  = 100
	DefaultCacheTTL      = 5 * time.Minute
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultQueryTimeout  = 30 * time.Second
	DefaultSweepInterval = time.Minute
)

// Config is read once when the resolver is built. The CLI fills it from
// flags and their environment variables.
type Config struct {
	// Endpoint is the DoH resolver URL; it must use https.
	Endpoint string
	// Method is the HTTP method used for DoH queries, POST or GET.
	Method       string
	QueryTimeout time.Duration

	CacheMaxSize int
	CacheTTL     time.Duration

	// MaxRetries bounds the total number of transport attempts per lookup.
	MaxRetries int
	RetryDelay time.Duration
	// RetryMaxDelay switches retries to exponential back-off starting at
	// RetryDelay when it is larger than RetryDelay.
	RetryMaxDelay time.Duration

	// SweepInterval is how often stale cache entries are purged in the
	// background. Zero disables the sweep.
	SweepInterval time.Duration
}

func Default() Config {
	return Config{
		Endpoint:      DefaultEndpoint,
		Method:        http.MethodPost,
		QueryTimeout:  DefaultQueryTimeout,
		CacheMaxSize:  DefaultCacheMaxSize,
		CacheTTL:      DefaultCacheTTL,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		SweepInterval: DefaultSweepInterval,
	}
}

// Validate returns every problem with cfg at once.
func (c Config) Validate() error {
	var errs *multierror.Error

	u, err := url.Parse(c.Endpoint)
	switch {
	case err != nil:
		errs = multierror.Append(errs, fmt.Errorf("endpoint: %w", err))
	case u.Scheme != "https" || u.Host == "":
		errs = multierror.Append(errs, fmt.Errorf("invalid resolver url: %s", c.Endpoint))
	}
	if c.Method != http.MethodPost && c.Method != http.MethodGet {
		errs = multierror.Append(errs, fmt.Errorf("method must be POST or GET, got %q", c.Method))
	}
	if c.QueryTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("query timeout must not be negative"))
	}
	if c.CacheMaxSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("cache max size must be positive, got %d", c.CacheMaxSize))
	}
	if c.CacheTTL < 0 {
		errs = multierror.Append(errs, fmt.Errorf("cache ttl must not be negative"))
	}
	if c.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 || c.RetryMaxDelay < 0 {
		errs = multierror.Append(errs, fmt.Errorf("retry delays must not be negative"))
	}
	if c.SweepInterval < 0 {
		errs = multierror.Append(errs, fmt.Errorf("sweep interval must not be negative"))
	}

	return errs.ErrorOrNil()
}

// Attempts is the number of transport calls a lookup may make; at least one.
func (c Config) Attempts() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}
