package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// IPNNotificationsTotal counts inbound IPN callbacks by outcome.
	IPNNotificationsTotal *prometheus.CounterVec
	// IPNVerifyLatency records the PayPal postback round-trip in milliseconds.
	IPNVerifyLatency *prometheus.HistogramVec
	// TransactionsTotal counts transaction processor outcomes.
	TransactionsTotal *prometheus.CounterVec
	// NotificationsSentTotal counts rendered subscription notifications by event and outcome.
	NotificationsSentTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		IPNNotificationsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipn_notifications_total",
			Help:      "Count of inbound PayPal IPN callbacks by outcome.",
		}, []string{"result"}))
		IPNVerifyLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ipn_verify_duration_ms",
			Help:      "Latency of the PayPal verification postback in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"result"}))
		TransactionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Count of transaction processing outcomes.",
		}, []string{"result"}))
		NotificationsSentTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Count of subscription notification deliveries.",
		}, []string{"event", "result"}))
	})
}
