package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_relay_sessions",
			Help: "Number of bound sessions on this relay",
		},
	)

	peerLinks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cim_relay_peer_links",
			Help: "Number of cached links to other relays",
		},
	)

	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_relay_connections_total",
			Help: "Accepted TCP connections",
		},
	)

	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cim_relay_messages_delivered_total",
			Help: "Messages handed to a local session or forwarded to another relay",
		},
		[]string{"path"},
	)

	messagesOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_relay_messages_offline_total",
			Help: "Messages whose receiver was not online",
		},
	)

	malformedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_relay_malformed_frames_total",
			Help: "Connections dropped on an undecodable frame",
		},
	)

	loginsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_relay_logins_rejected_total",
			Help: "LOGIN frames refused because the route entry did not name this relay",
		},
	)

	sessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cim_relay_sessions_evicted_total",
			Help: "Sessions closed by the heartbeat sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsGauge)
	prometheus.MustRegister(peerLinks)
	prometheus.MustRegister(connectionsAccepted)
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(messagesOffline)
	prometheus.MustRegister(malformedFrames)
	prometheus.MustRegister(loginsRejected)
	prometheus.MustRegister(sessionsEvicted)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)
}

// ServeMetrics exposes /metrics and /stats on addr until ctx is done.
func (s *Server) ServeMetrics(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", metricsHandler())
	r.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(s.Stats() + "\n"))
	})

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: r, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.log.Info("Started metrics server", "listen", l.Addr().String())
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
