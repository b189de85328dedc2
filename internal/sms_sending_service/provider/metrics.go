package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_sending",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of HTTP requests to SMS providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name", "operation"}, // operation: "send", "status"
	)

	providerRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "provider_requests_total",
			Help:      "Total provider requests by outcome.",
		},
		[]string{"provider_name", "operation", "outcome"}, // outcome: "success", "transient", "permanent"
	)

	segmentsSubmittedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "segments_sent_total",
			Help:      "Total number of SMS segments accepted by the provider.",
		},
		[]string{"provider_name"},
	)
)
