package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "nats_messages_received_total",
			Help:      "Total number of NATS messages received.",
		},
		[]string{"subject_pattern"}, // e.g., "dlr.raw.>"
	)

	receiptsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "receipts_processed_total",
			Help:      "Total delivery receipts processed, by source and outcome.",
		},
		[]string{"source", "outcome"}, // outcome: applied, duplicate, inconsistent, unknown_message, invalid, error
	)

	receiptProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_retrieval",
			Name:      "receipt_processing_duration_seconds",
			Help:      "Duration of delivery receipt processing.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	pollRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "poll_runs_total",
			Help:      "Total runs of the pending-message poller.",
		},
		[]string{"status"},
	)

	messagesExpiredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "messages_expired_total",
			Help:      "Messages expired after exceeding the maximum polling age.",
		},
	)
)
