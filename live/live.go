package live

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/back2basic/dohrdns/cache"
	"github.com/back2basic/dohrdns/dns"
)

type Source interface {
	Stats() dns.Stats
	Cache() *cache.Cache
}

// Live periodically logs a one-line summary of the resolver for humans.
type Live struct {
	src   Source
	log   *zap.Logger
	clock clock.Clock
}

type Option func(*Live)

func WithClock(clk clock.Clock) Option {
	return func(l *Live) {
		l.clock = clk
	}
}

func New(src Source, log *zap.Logger, opts ...Option) *Live {
	l := &Live{src: src, log: log, clock: clock.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Live) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.printStats()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Live) printStats() {
	cs := l.src.Cache().Stats()
	rs := l.src.Stats()

	l.log.Info("resolver stats",
		zap.Int("entries", cs.Entries),
		zap.Int("capacity", cs.Capacity),
		zap.Float64("hit_ratio", hitRatio(cs)),
		zap.Uint64("lookups", rs.Lookups),
		zap.Uint64("resolved", rs.Resolved),
		zap.Uint64("no_record", rs.NoRecord),
		zap.Uint64("failures", rs.Failures),
		zap.Uint64("invalid", rs.Invalid),
		zap.Uint64("attempts", rs.Attempts),
	)
}

func hitRatio(s cache.Stats) float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
