package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LimiterSelections counts resolved limiters by candidate name.
	LimiterSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_selections_total",
			Help: "Rate limiter candidates selected per request",
		},
		[]string{"candidate"},
	)

	// UnlimitedRequests counts requests no candidate claimed
	// (fail-open).
	UnlimitedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limiter_unlimited_requests_total",
			Help: "Requests that proceeded without any rate limiter",
		},
	)
)
