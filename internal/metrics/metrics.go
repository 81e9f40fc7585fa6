// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated counts sessions admitted since start.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "daprelay",
		Name:      "sessions_created_total",
		Help:      "Debug sessions created.",
	})

	// SessionsEnded counts sessions removed, by why they ended.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "daprelay",
		Name:      "sessions_ended_total",
		Help:      "Debug sessions ended, labeled by reason.",
	}, []string{"reason"})

	// SessionsActive tracks currently registered sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "daprelay",
		Name:      "sessions_active",
		Help:      "Currently registered debug sessions.",
	})

	// SessionsRejected counts create requests refused at the cap.
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "daprelay",
		Name:      "sessions_rejected_total",
		Help:      "Session creations refused by the concurrent-session cap.",
	})

	// RequestDuration observes REST handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "daprelay",
		Name:      "http_request_duration_seconds",
		Help:      "REST request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)
