package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var senderIDRequestsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "senderid",
		Name:      "requests_total",
		Help:      "Sender identity registry operations by outcome.",
	},
	[]string{"operation", "outcome"},
)
