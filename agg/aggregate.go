package agg

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/back2basic/dohrdns/cache"
	"github.com/back2basic/dohrdns/model"
)

// History is the lookup store the aggregator flushes and summarizes.
type History interface {
	Flush() (int, error)
	DailyTotals(day time.Time) ([]model.AggregatedRecord, error)
}

// Pusher ships daily totals somewhere else.
type Pusher interface {
	PushDaily(hostname string, day time.Time, rows []model.AggregatedRecord) (int, error)
}

// Aggregator keeps the cache swept and the lookup history flushed, and
// periodically pushes the day's totals.
type Aggregator struct {
	cache    *cache.Cache
	history  History
	pusher   Pusher
	hostname string
	log      *zap.Logger
	clock    clock.Clock
}

type Option func(*Aggregator)

func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clk
	}
}

// New returns an aggregator; history and pusher may be nil.
func New(c *cache.Cache, history History, pusher Pusher, hostname string, log *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		cache:    c,
		history:  history,
		pusher:   pusher,
		hostname: hostname,
		log:      log,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FlushOnce sweeps stale cache entries and writes buffered history.
func (a *Aggregator) FlushOnce() {
	a.flush()
}

// Run loops until ctx is done. A zero interval disables that half.
func (a *Aggregator) Run(ctx context.Context, flushInterval, pushInterval time.Duration) {
	var flushC <-chan time.Time
	if flushInterval > 0 {
		flushTicker := a.clock.Ticker(flushInterval)
		defer flushTicker.Stop()
		flushC = flushTicker.C
	}

	var (
		pushTimer  *clock.Timer
		pushTicker *clock.Ticker
		pushTimerC <-chan time.Time
		pushC      <-chan time.Time
	)
	if pushInterval > 0 {
		pushTimer = a.alignedTimer(pushInterval)
		defer pushTimer.Stop()
		pushTimerC = pushTimer.C
	}
	defer func() {
		if pushTicker != nil {
			pushTicker.Stop()
		}
	}()

	for {
		select {
		case <-flushC:
			a.flush()

		case <-pushTimerC:
			a.pushDaily()
			pushTimerC = nil
			pushTicker = a.clock.Ticker(pushInterval)
			pushC = pushTicker.C

		case <-pushC:
			a.pushDaily()

		case <-ctx.Done():
			a.flush()
			return
		}
	}
}

func (a *Aggregator) flush() {
	if n := a.cache.EvictExpired(); n > 0 {
		a.log.Debug("swept stale cache entries", zap.Int("removed", n))
	}

	if a.history == nil {
		return
	}
	n, err := a.history.Flush()
	if err != nil {
		a.log.Error("history flush failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.log.Debug("history flushed", zap.Int("records", n))
	}
}

func (a *Aggregator) pushDaily() {
	if a.history == nil || a.pusher == nil {
		return
	}

	now := a.clock.Now()
	rows, err := a.history.DailyTotals(now)
	if err != nil {
		a.log.Error("daily totals query failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	if _, err := a.pusher.PushDaily(a.hostname, now, rows); err != nil {
		a.log.Error("daily push failed", zap.Error(err))
	}
}

// alignedTimer fires at the next multiple of d.
func (a *Aggregator) alignedTimer(d time.Duration) *clock.Timer {
	now := a.clock.Now()
	next := now.Truncate(d).Add(d)
	return a.clock.Timer(next.Sub(now))
}
