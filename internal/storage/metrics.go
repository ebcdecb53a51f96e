package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by the store.
type Metrics struct {
	LockWait         *prometheus.HistogramVec
	LockAcquisitions *prometheus.CounterVec
	CacheRequests    *prometheus.CounterVec
	Operations       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowdir",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a tier lock.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"lock"}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdir",
			Name:      "lock_acquisitions_total",
			Help:      "Number of tier lock acquisitions.",
		}, []string{"lock"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdir",
			Name:      "cache_requests_total",
			Help:      "Content cache reads by result (hit or miss).",
		}, []string{"result"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowdir",
			Name:      "operations_total",
			Help:      "Store operations by name and outcome.",
		}, []string{"op", "outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.LockWait, m.LockAcquisitions, m.CacheRequests, m.Operations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
