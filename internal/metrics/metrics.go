// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_ingested_total",
			Help: "Messages received for storage",
		},
		[]string{"source", "result"}, // created, duplicate, invalid, error
	)

	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_status_updates_total",
			Help: "Delivery status callbacks applied",
		},
		[]string{"result"}, // applied, ignored, unknown, error
	)

	WebhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_webhook_rejections_total",
			Help: "Webhook requests refused before storage",
		},
		[]string{"endpoint", "reason"},
	)

	// Live delivery metrics
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_live_subscribers",
			Help: "Currently attached live subscriptions",
		},
	)

	LiveDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_live_deliveries_total",
			Help: "Live fan-out outcomes",
		},
		[]string{"outcome"}, // delivered, stale, unattended
	)

	OfflineAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_offline_alerts_total",
			Help: "Alerts for messages nobody was watching",
		},
		[]string{"result"}, // sent, suppressed, error
	)

	// Outbound metrics
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_outbound_sends_total",
			Help: "Outbound sends through the WhatsApp Cloud API",
		},
		[]string{"result"}, // ok, error, retryable
	)
)
