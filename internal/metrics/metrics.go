package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts gateway webhook deliveries by outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries by outcome.",
	}, []string{"outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vpnbot",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "provisioning_total",
		Help:      "VPN credential provisioning attempts by outcome.",
	}, []string{"outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "notifications_total",
		Help:      "Chat notifications by result.",
	}, []string{"result"})

	PurchaseIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Name:      "purchase_intents_total",
		Help:      "Payment intents created by result.",
	}, []string{"result"})
)
