package mediarouter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the provider's Prometheus collectors.
type Metrics struct {
	RoutesActive    prometheus.Gauge
	RoutesCreated   *prometheus.CounterVec
	RouteErrors     *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	ClientMessages  *prometheus.CounterVec
	PageMessages    *prometheus.CounterVec
	QueuedMessages  prometheus.Counter
	PendingRequests prometheus.Gauge
	ExpiredRequests prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg gives unregistered
// collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RoutesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "castrouter_routes_active",
			Help: "Number of media routes currently registered",
		}),
		RoutesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castrouter_routes_created_total",
			Help: "Routes created, by how they were obtained",
		}, []string{"kind"}),
		RouteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castrouter_route_request_errors_total",
			Help: "Failed createRoute/joinRoute requests, by reason",
		}, []string{"reason"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "castrouter_sessions_active",
			Help: "1 while a Cast session is attached",
		}),
		ClientMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castrouter_client_messages_total",
			Help: "Messages received from pages, by type and result",
		}, []string{"type", "result"}),
		PageMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castrouter_page_messages_total",
			Help: "Messages sent to pages, by type",
		}, []string{"type"}),
		QueuedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "castrouter_queued_messages_total",
			Help: "Messages held for clients that had not connected yet",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "castrouter_pending_requests",
			Help: "Native requests waiting for a reply",
		}),
		ExpiredRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "castrouter_expired_requests_total",
			Help: "Native requests dropped after their deadline",
		}),
	}
}
