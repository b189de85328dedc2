package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOperationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "ledger_operations_total",
			Help:      "Total credit ledger operations.",
		},
		[]string{"operation", "status"}, // status: "success", "insufficient", "error"
	)

	creditsReservedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "credits_reserved_total",
			Help:      "Total credits moved into reservations.",
		},
	)

	creditsToppedUpCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "credits_topped_up_total",
			Help:      "Total credits added through top-ups.",
		},
	)
)
