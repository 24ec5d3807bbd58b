package live

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/back2basic/dohrdns/cache"
	"github.com/back2basic/dohrdns/config"
	"github.com/back2basic/dohrdns/dns"
)

func TestPrintStats(t *testing.T) {
	r := dns.New(config.Default(), dns.TransportFunc(func(context.Context, string) (string, error) {
		return "dns.google", nil
	}))
	for i := 0; i < 4; i++ {
		_, err := r.Lookup(context.Background(), "8.8.8.8")
		require.NoError(t, err)
	}

	core, logs := observer.New(zap.InfoLevel)
	New(r, zap.New(core)).printStats()

	entries := logs.FilterMessage("resolver stats").AllUntimed()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(1), fields["entries"])
	assert.Equal(t, 0.75, fields["hit_ratio"])
	assert.Equal(t, uint64(4), fields["lookups"])
	assert.Equal(t, uint64(1), fields["resolved"])
}

func TestHitRatio(t *testing.T) {
	assert.Equal(t, 0.0, hitRatio(cache.Stats{}))
	assert.Equal(t, 0.5, hitRatio(cache.Stats{Hits: 2, Misses: 2}))
}

func TestRunLogsEveryInterval(t *testing.T) {
	r := dns.New(config.Default(), dns.TransportFunc(func(context.Context, string) (string, error) {
		return "dns.google", nil
	}))
	mock := clock.NewMock()
	core, logs := observer.New(zap.InfoLevel)
	l := New(r, zap.New(core), WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 30*time.Second)
		close(done)
	}()

	// the ticker only exists once Run has started
	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return logs.FilterMessage("resolver stats").Len() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	n := logs.FilterMessage("resolver stats").Len()
	mock.Add(30 * time.Second)
	assert.Equal(t, n, logs.FilterMessage("resolver stats").Len(), "no stats after Run returns")
}
