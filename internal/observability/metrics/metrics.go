// Package metrics exposes prometheus counters for routing and webhook
// processing outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

type Metrics struct {
	RoutingDecisions *prometheus.CounterVec
	RoutingFailures  *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		RoutingDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by reason and selected provider.",
		}, []string{"reason", "provider"}),
		RoutingFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "routing_failures_total",
			Help:      "Routing resolutions that ended without a provider.",
		}, []string{"cause"}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
	}
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
