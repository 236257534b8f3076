package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_http_requests_total",
		Help: "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	wsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrowflow_ws_subscribers",
		Help: "Currently connected WebSocket subscribers.",
	})
)
