package anoncache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheOutcomes counts request outcomes by hit/miss/bypass.
	CacheOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anon_cache_outcomes_total",
			Help: "Anonymous cache outcomes per request",
		},
		[]string{"outcome"}, // "hit", "miss", "bypass"
	)

	// CacheStores counts responses written to the cache.
	CacheStores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anon_cache_stores_total",
			Help: "Responses stored in the anonymous cache",
		},
	)

	// StoreErrors counts backend failures by operation. Failures
	// degrade to miss behavior and never fail the request.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anon_cache_store_errors_total",
			Help: "Anonymous cache backend errors",
		},
		[]string{"operation"}, // "get", "put"
	)
)
