package schema

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type registryMetrics struct {
	cacheRequests      *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
}

var metrics = sync.OnceValue(func() *registryMetrics {
	return &registryMetrics{
		cacheRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "schema",
			Name:      "cache_requests_total",
			Help:      "Classification schema lookups by cache result.",
		}, []string{"result"}),
		cacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "assetimport",
			Subsystem: "schema",
			Name:      "cache_invalidations_total",
			Help:      "Classification schema cache entries dropped after writes.",
		}),
	}
})
