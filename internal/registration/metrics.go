package registration

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wizardOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_wizard_operations_total",
			Help: "Registration wizard operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	wizardStageReachedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_wizard_stage_reached_total",
			Help: "Sessions that reached each registration stage",
		},
		[]string{"stage"},
	)

	wizardGatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registration_wizard_gateway_duration_seconds",
			Help:    "Time spent waiting on the identity service per operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"operation"},
	)
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrStaleResult):
		return "stale"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	if f, ok := AsFailure(err); ok {
		return string(f.Kind)
	}
	return "error"
}
