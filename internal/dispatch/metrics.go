package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp_dispatch_claims_total",
		Help: "Dispatch slots claimed, by target state.",
	}, []string{"to_state"})

	dispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp_dispatch_outcomes_total",
		Help: "Terminal dispatch outcomes.",
	}, []string{"outcome"})

	scheduledPrompts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cp_scheduled_prompts_total",
		Help: "Scheduled prompts handed to worker groups.",
	})
)
