package route

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	routeServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_route_servers",
			Help: "Number of relays currently registered",
		},
	)

	routeOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_route_online_users",
			Help: "Number of route entries at the last sweep",
		},
	)

	routeLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_route_logins_total",
			Help: "Logins that produced a route entry",
		},
	)

	routeEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_route_relay_evictions_total",
			Help: "Relays evicted for missing heartbeats",
		},
	)

	routeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_route_http_requests_total",
			Help: "Registry HTTP requests by route and result code",
		},
		[]string{"path", "code"},
	)
)

func init() {
	prometheus.MustRegister(routeServers)
	prometheus.MustRegister(routeOnline)
	prometheus.MustRegister(routeLogins)
	prometheus.MustRegister(routeEvictions)
	prometheus.MustRegister(routeRequests)
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}
