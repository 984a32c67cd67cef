package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SensorsIot/BalloonHunter-sub005/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	sets        prometheus.Counter
	evictions   prometheus.Counter
	expirations prometheus.Counter

	size prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with the provided registry.
func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:        counter("hits_total", "Total number of cache hits"),
		misses:      counter("misses_total", "Total number of cache misses"),
		sets:        counter("sets_total", "Total number of cache set operations"),
		evictions:   counter("evictions_total", "Total number of LRU capacity evictions"),
		expirations: counter("expirations_total", "Total number of TTL expirations observed on access"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_sets", m.sets); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_expirations", m.expirations); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit() {
	m.hits.Inc()
}

func (m *cacheMetrics) recordMiss() {
	m.misses.Inc()
}

func (m *cacheMetrics) recordSet() {
	m.sets.Inc()
}

func (m *cacheMetrics) recordEviction() {
	m.evictions.Inc()
}

func (m *cacheMetrics) recordExpiration() {
	m.expirations.Inc()
}

func (m *cacheMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}
