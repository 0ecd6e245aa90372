package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_client_requests_total",
			Help: "Identity service calls by path and decoded outcome",
		},
		[]string{"path", "outcome"},
	)

	clientRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_client_retries_total",
			Help: "Transport level retries of identity service calls",
		},
		[]string{"path"},
	)

	clientBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "identity_client_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
	)
)
