package query

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type runnerMetrics struct {
	queries       *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	revalidations *prometheus.CounterVec
}

func newRunnerMetrics() *runnerMetrics {
	return &runnerMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_requests_total",
			Help: "The total number of queries",
		}, []string{"namespace"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_fetches_total",
			Help: "The total number of fetcher invocations",
		}, []string{"namespace"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_fetch_errors_total",
			Help: "The total number of failed fetches",
		}, []string{"namespace"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_revalidations_total",
			Help: "The total number of background revalidations of stale entries",
		}, []string{"namespace"}),
	}
}

// register registers m. If another Runner has already registered the
// same vectors on reg, the existing ones are returned and shared.
func (m *runnerMetrics) register(reg prometheus.Registerer) (*runnerMetrics, error) {
	out := &runnerMetrics{}
	for _, p := range []struct {
		src *prometheus.CounterVec
		dst **prometheus.CounterVec
	}{
		{m.queries, &out.queries},
		{m.fetches, &out.fetches},
		{m.fetchErrors, &out.fetchErrors},
		{m.revalidations, &out.revalidations},
	} {
		if err := reg.Register(p.src); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*p.dst = existing
			continue
		}
		*p.dst = p.src
	}
	return out, nil
}
