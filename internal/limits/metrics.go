package limits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	denialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cp_limit_denials_total",
			Help: "Denied operations by op and decision code",
		},
		[]string{"op", "code"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cp_breaker_state",
			Help: "Breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cp_breaker_transitions_total",
			Help: "Breaker state transitions by provider and target state",
		},
		[]string{"provider", "to"},
	)
)
