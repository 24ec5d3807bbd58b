package config

import (
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://dns.quad9.net/dns-query", cfg.Endpoint)
	assert.Equal(t, 3, cfg.Attempts())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		nerrs  int
	}{
		{"plain http endpoint", func(c *Config) { c.Endpoint = "http://dns.quad9.net/dns-query" }, 1},
		{"no host", func(c *Config) { c.Endpoint = "https://" }, 1},
		{"bad method", func(c *Config) { c.Method = "PUT" }, 1},
		{"zero cache", func(c *Config) { c.CacheMaxSize = 0 }, 1},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, 1},
		{"negative delays", func(c *Config) { c.RetryDelay = -time.Second }, 1},
		{"several", func(c *Config) {
			c.CacheMaxSize = -1
			c.CacheTTL = -time.Second
			c.SweepInterval = -time.Second
		}, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tc.nerrs)
		})
	}
}

func TestAttempts(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 0
	assert.Equal(t, 1, cfg.Attempts())
	cfg.MaxRetries = 7
	assert.Equal(t, 7, cfg.Attempts())
}
