package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmirror_ingest_events_total",
		Help: "Gateway events accepted into the queue, by kind.",
	}, []string{"kind"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_ingest_dropped_total",
		Help: "Gateway events dropped because the queue was full.",
	})
	metricHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmirror_ingest_handler_errors_total",
		Help: "Event handler failures, by kind.",
	}, []string{"kind"})
	metricForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_text_commands_forwarded_total",
		Help: "Mirrored messages forwarded to the text-command sink.",
	})
)
