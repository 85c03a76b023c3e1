package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PrescriptionsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prescriptions_submitted_total",
		Help: "Total number of prescriptions submitted",
	}, []string{"source"})

	PrescriptionsReviewedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prescriptions_reviewed_total",
		Help: "Total number of prescription review decisions",
	}, []string{"decision"})

	PrescriptionsFilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prescriptions_filled_total",
		Help: "Total number of fill operations applied",
	}, []string{"status"})

	FillConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fill_conflicts_total",
		Help: "Total number of fill operations rejected by the concurrency guard",
	})

	RefillRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refill_requests_total",
		Help: "Total number of refill requests created",
	})

	RefillDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refill_decisions_total",
		Help: "Total number of refill request decisions",
	}, []string{"decision"})

	RefillsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refills_processed_total",
		Help: "Total number of refill cycles started",
	})

	RefillsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refills_exhausted_total",
		Help: "Total number of refill attempts rejected at the refill limit",
	})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created from prescriptions",
	})

	OrdersCompensatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_compensated_total",
		Help: "Total number of orders deleted after item insertion failed",
	})

	AuthResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_resolutions_total",
		Help: "Total number of successful principal resolutions",
	}, []string{"via"})

	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "Total number of requests with no resolvable principal",
	})

	NotificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of notifications delivered",
	})

	NotificationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of notification deliveries that failed",
	}, []string{"template"})

	ShippingRateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipping_rate_lookup_latency_seconds",
		Help:    "Latency of shipping rate lookups",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
