package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_notifier"

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live websocket sessions.",
	})

	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Login attempts by result.",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rate_limited_total",
		Help:      "Connections refused because the remote address is blocked.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Notification deliveries by category and send result.",
	}, []string{"category", "result"})

	ActivitiesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activities_dropped_total",
		Help:      "Webhook activities that produced no notification, by reason.",
	}, []string{"reason"})

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Inbound webhook requests by outcome.",
	}, []string{"outcome"})

	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_remote_calls_total",
		Help:      "Calls to the remote subscription service by operation and result.",
	}, []string{"operation", "result"})

	ChainState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscription_state",
		Help:      "Current subscription state per chain (0 uninitialized, 1 resolving, 2 active).",
	}, []string{"chain"})

	PendingWallets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscription_pending_wallets",
		Help:      "Wallets queued while no authoritative subscription exists.",
	}, []string{"chain"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detached_task_failures_total",
		Help:      "Detached background tasks that returned an error.",
	}, []string{"task"})
)

// ResultLabel converts an error into a metric label value.
func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
