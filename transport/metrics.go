package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	datagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipward_transport_datagrams_received_total",
		Help: "Datagrams read from the socket, keep-alives excluded.",
	})
	datagramsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipward_transport_datagrams_sent_total",
		Help: "Datagrams written to the socket.",
	})
	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipward_transport_parse_failures_total",
		Help: "Inbound datagrams dropped because they failed to parse.",
	})
)
