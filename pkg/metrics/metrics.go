// Package metrics holds the prometheus collectors of the metering service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metering",
		Name:      "permission_decisions_total",
		Help:      "Permission evaluations by resource and outcome.",
	}, []string{"resource", "outcome"})

	UsageTrackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metering",
		Name:      "usage_track_failures_total",
		Help:      "Usage increments that failed and were dropped.",
	}, []string{"resource"})

	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metering",
		Name:      "realtime_sessions",
		Help:      "Open realtime streams.",
	})

	ChangeEventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metering",
		Name:      "change_events_dispatched_total",
		Help:      "Change events delivered to realtime subscribers.",
	}, []string{"table"})

	ChangeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metering",
		Name:      "change_events_dropped_total",
		Help:      "Change events dropped for slow subscribers.",
	})
)
