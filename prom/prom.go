package prom

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/back2basic/dohrdns/cache"
	"github.com/back2basic/dohrdns/dns"
)

// Source is what the collector reads on every scrape.
type Source interface {
	Stats() dns.Stats
	Cache() *cache.Cache
}

type Collector struct {
	src Source

	entries     *prometheus.Desc
	capacity    *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	lookups     *prometheus.Desc
	attempts    *prometheus.Desc
}

func New(src Source) *Collector {
	return &Collector{
		src: src,
		entries: prometheus.NewDesc(
			"dohrdns_cache_entries",
			"Entries currently held in the cache, stale ones included",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			"dohrdns_cache_capacity",
			"Maximum number of cache entries",
			nil, nil,
		),
		hits: prometheus.NewDesc(
			"dohrdns_cache_hits_total",
			"Cache reads that returned a fresh entry",
			nil, nil,
		),
		misses: prometheus.NewDesc(
			"dohrdns_cache_misses_total",
			"Cache reads that found nothing or a stale entry",
			nil, nil,
		),
		evictions: prometheus.NewDesc(
			"dohrdns_cache_evictions_total",
			"Entries evicted to make room",
			nil, nil,
		),
		expirations: prometheus.NewDesc(
			"dohrdns_cache_expirations_total",
			"Entries removed because they outlived the TTL",
			nil, nil,
		),
		lookups: prometheus.NewDesc(
			"dohrdns_lookups_total",
			"Lookups by outcome",
			[]string{"outcome"},
			nil,
		),
		attempts: prometheus.NewDesc(
			"dohrdns_transport_attempts_total",
			"DoH queries sent, retries included",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.capacity
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.lookups
	ch <- c.attempts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cs := c.src.Cache().Stats()
	rs := c.src.Stats()

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.entries, cs.Entries)
	gauge(c.capacity, cs.Capacity)
	counter(c.hits, cs.Hits)
	counter(c.misses, cs.Misses)
	counter(c.evictions, cs.Evictions)
	counter(c.expirations, cs.Expirations)

	counter(c.lookups, rs.Hits, "hit")
	counter(c.lookups, rs.Resolved, "resolved")
	counter(c.lookups, rs.NoRecord, "no_record")
	counter(c.lookups, rs.Failures, "failed")
	counter(c.lookups, rs.Invalid, "invalid")
	counter(c.attempts, rs.Attempts)
}

// Run serves /metrics for src on addr in the background.
func Run(src Source, addr string, log *zap.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(New(src))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}
