package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cp_memory_stores_total",
			Help: "Memories persisted by resulting classification level",
		},
		[]string{"level"},
	)

	recallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cp_memory_recalls_total",
			Help: "Recall requests by retrieval mode",
		},
		[]string{"mode"},
	)

	accessDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cp_memory_access_denials_total",
			Help: "Recall candidates denied by the access matrix",
		},
	)
)
