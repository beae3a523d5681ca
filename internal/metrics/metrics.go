// Package metrics wraps the Prometheus collectors the server exposes
// for connections, requests, and subscriptions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the agent publishes.
type Registry struct {
	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	RequestsTotal       *prometheus.CounterVec
	RequestErrors       *prometheus.CounterVec
	NotificationsSent   prometheus.Counter
	FramesDropped       prometheus.Counter
}

func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inspector_agent_connections_active",
			Help: "Number of currently connected inspector clients",
		}),
		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inspector_agent_subscriptions_active",
			Help: "Number of currently live change subscriptions",
		}),
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inspector_agent_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		ConnectionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_agent_connections_rejected_total",
			Help: "Total number of rejected connection attempts, by reason",
		}, []string{"reason"}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_agent_requests_total",
			Help: "Total number of dispatched requests, by request type",
		}, []string{"type"}),
		RequestErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_agent_request_errors_total",
			Help: "Total number of requests that produced an error response, by request type",
		}, []string{"type"}),
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inspector_agent_notifications_sent_total",
			Help: "Total number of subscription notifications delivered to clients",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inspector_agent_frames_dropped_total",
			Help: "Total number of outbound frames dropped because a client's send queue was full",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
