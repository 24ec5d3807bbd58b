// Package dns resolves IPv4 addresses to names through a cached, retrying
// reverse lookup.
package dns

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/back2basic/dohrdns/cache"
	"github.com/back2basic/dohrdns/config"
	"github.com/back2basic/dohrdns/model"
)

// Transport performs one reverse lookup of a normalized IPv4 address.
// Errors that should be retried must match ErrTransient.
type Transport interface {
	Query(ctx context.Context, address string) (string, error)
}

type TransportFunc func(ctx context.Context, address string) (string, error)

func (f TransportFunc) Query(ctx context.Context, address string) (string, error) {
	return f(ctx, address)
}

// Recorder receives one record per Lookup call.
type Recorder interface {
	Record(rec model.LookupRecord)
}

// Stats counts Lookup outcomes since the resolver was built.
type Stats struct {
	Lookups  uint64
	Hits     uint64
	Resolved uint64
	NoRecord uint64
	Failures uint64
	Invalid  uint64
	Attempts uint64
}

type Resolver struct {
	transport Transport
	cache     *cache.Cache
	log       *zap.Logger
	clock     clock.Clock
	newTimer  func() backoff.Timer
	recorder  Recorder

	maxAttempts   int
	retryDelay    time.Duration
	retryMaxDelay time.Duration

	lookups  atomic.Uint64
	hits     atomic.Uint64
	resolved atomic.Uint64
	noRecord atomic.Uint64
	failures atomic.Uint64
	invalid  atomic.Uint64
	attempts atomic.Uint64
}

type Option func(*Resolver)

func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) {
		r.log = log
	}
}

// WithClock sets the clock used for cache ages, record timestamps and, unless
// WithRetryTimer is given, retry waits.
func WithClock(clk clock.Clock) Option {
	return func(r *Resolver) {
		r.clock = clk
	}
}

// WithRetryTimer overrides the timer used to wait between attempts.
// newTimer is called once per Lookup.
func WithRetryTimer(newTimer func() backoff.Timer) Option {
	return func(r *Resolver) {
		r.newTimer = newTimer
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		r.recorder = rec
	}
}

// New builds a resolver that owns a fresh cache sized from cfg.
func New(cfg config.Config, t Transport, opts ...Option) *Resolver {
	r := &Resolver{
		transport:     t,
		log:           zap.NewNop(),
		clock:         clock.New(),
		maxAttempts:   cfg.Attempts(),
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newTimer == nil {
		clk := r.clock
		r.newTimer = func() backoff.Timer { return &clockTimer{clock: clk} }
	}
	r.cache = cache.New(cfg.CacheMaxSize, cfg.CacheTTL, cache.WithClock(r.clock))
	return r
}

// Cache exposes the resolver's cache for sweeping and metrics.
func (r *Resolver) Cache() *cache.Cache {
	return r.cache
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Lookups:  r.lookups.Load(),
		Hits:     r.hits.Load(),
		Resolved: r.resolved.Load(),
		NoRecord: r.noRecord.Load(),
		Failures: r.failures.Load(),
		Invalid:  r.invalid.Load(),
		Attempts: r.attempts.Load(),
	}
}

// Lookup returns the name for an IPv4 address, from cache when possible.
// Invalid input fails before any cache or network access. Only successful
// resolutions are cached.
func (r *Resolver) Lookup(ctx context.Context, address string) (string, error) {
	r.lookups.Add(1)

	key, err := NormalizeIPv4(address)
	if err != nil {
		r.invalid.Add(1)
		r.log.Error("invalid IPv4 address", zap.String("addr", address))
		r.record(address, "", model.OutcomeInvalid, 0)
		return "", &LookupError{Addr: address, Kind: ErrInvalidAddress}
	}

	if name, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		r.log.Debug("cache hit", zap.String("addr", key), zap.String("name", name))
		r.record(key, name, model.OutcomeHit, 0)
		return name, nil
	}
	r.log.Debug("cache miss", zap.String("addr", key))

	name, attempts, err := r.query(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			r.noRecord.Add(1)
			r.log.Warn("no PTR record", zap.String("addr", key), zap.Int("attempts", attempts), zap.Error(err))
			r.record(key, "", model.OutcomeNoRecord, attempts)
			return "", &LookupError{Addr: key, Attempts: attempts, Kind: ErrNoRecord, Err: err}
		}

		r.failures.Add(1)
		r.log.Error("lookup failed", zap.String("addr", key), zap.Int("attempts", attempts), zap.Error(err))
		r.record(key, "", model.OutcomeFailed, attempts)
		return "", &LookupError{Addr: key, Attempts: attempts, Kind: ErrResolutionFailed, Err: err}
	}

	r.cache.Put(key, name)
	r.resolved.Add(1)
	r.log.Info("resolved", zap.String("addr", key), zap.String("name", name), zap.Int("attempts", attempts))
	r.record(key, name, model.OutcomeResolved, attempts)
	return name, nil
}

// query runs the transport under the retry policy. The cache lock is never
// held here.
func (r *Resolver) query(ctx context.Context, addr string) (string, int, error) {
	var (
		name     string
		attempts int
	)

	op := func() error {
		attempts++
		r.attempts.Add(1)

		n, err := r.transport.Query(ctx, addr)
		if err == nil && n == "" {
			err = fmt.Errorf("%w: empty name", ErrMalformedResponse)
		}
		if err == nil {
			name = n
			return nil
		}

		r.log.Warn("lookup attempt failed",
			zap.String("addr", addr),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Error(err),
		)
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		r.log.Debug("retrying lookup",
			zap.String("addr", addr),
			zap.Int("attempt", attempts+1),
			zap.Duration("delay", next),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(op, b, notify, r.newTimer())
	return name, attempts, err
}

func (r *Resolver) newBackOff() backoff.BackOff {
	if r.retryDelay > 0 && r.retryMaxDelay > r.retryDelay {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.retryDelay
		b.MaxInterval = r.retryMaxDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		return b
	}
	return backoff.NewConstantBackOff(r.retryDelay)
}

func (r *Resolver) record(addr, name string, outcome model.Outcome, attempts int) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(model.LookupRecord{
		IP:        addr,
		DNS:       name,
		Outcome:   outcome,
		Attempts:  attempts,
		Timestamp: r.clock.Now().Unix(),
	})
}
