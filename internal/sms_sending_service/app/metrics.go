package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesDispatchedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "messages_dispatched_total",
			Help:      "Total outbound messages by dispatch outcome.",
		},
		[]string{"outcome"}, // submitted, failed
	)

	recipientsRejectedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "recipients_rejected_total",
			Help:      "Total recipients rejected before dispatch.",
		},
		[]string{"reason"},
	)

	dispatchRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "dispatch_requests_total",
			Help:      "Total Send and SendBulk calls by result code.",
		},
		[]string{"operation", "result"},
	)

	dispatchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sms_sending",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of Send and SendBulk calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	reservationSettleFailuresCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "reservation_settle_failures_total",
			Help:      "Reservations left held after every commit or release attempt failed.",
		},
		[]string{"operation"}, // commit, release
	)

	creditsReservedForDispatchCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sms_sending",
			Name:      "credits_reserved_total",
			Help:      "Total credits reserved by dispatch requests.",
		},
	)
)
