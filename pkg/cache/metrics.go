package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	lookups       *prometheus.CounterVec
	evictions     prometheus.Counter
	discarded     prometheus.Counter
	persistErrors prometheus.Counter
	entries       prometheus.GaugeFunc
}

func newStoreMetrics(entries func() float64) *storeMetrics {
	return &storeMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "The total number of cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "The total number of entries evicted for capacity",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_discarded_writes_total",
			Help: "The total number of writes discarded because a newer write was applied",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_persist_errors_total",
			Help: "The total number of failed or dropped backend operations",
		}),
		entries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "The number of entries in memory",
		}, entries),
	}
}

func (m *storeMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.lookups, m.evictions, m.discarded, m.persistErrors, m.entries} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
