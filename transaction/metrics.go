package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeClientTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipward_transaction_client_active",
		Help: "Live client transaction machines.",
	})
	activeServerTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipward_transaction_server_active",
		Help: "Live server transaction machines.",
	})
	unmatchedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipward_transaction_unmatched_responses_total",
		Help: "Responses dropped because no live transaction matched.",
	})
	retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipward_transaction_retransmissions_total",
		Help: "Request retransmissions sent by client transactions.",
	})
)
