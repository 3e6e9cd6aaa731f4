package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cp_events_published_total",
		Help: "Events published to the in-process bus, by channel.",
	}, []string{"channel"})

	streamClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cp_event_stream_clients",
		Help: "Connected cockpit stream clients, by transport.",
	}, []string{"transport"})
)
