package observability

import "github.com/prometheus/client_golang/prometheus"

// Payment lifecycle collectors. Labels are bounded: method is one of the
// configured currencies, status one of the lifecycle states.
var (
	PaymentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyshop_payments_created_total",
			Help: "Payments created, by method.",
		},
		[]string{"method"},
	)

	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyshop_payment_transitions_total",
			Help: "Applied payment status transitions, by target status.",
		},
		[]string{"status"},
	)

	ActiveWatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyshop_active_watchers",
			Help: "Payment watchers currently running.",
		},
	)

	RailPollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyshop_rail_poll_errors_total",
			Help: "Failed balance samples, by method.",
		},
		[]string{"method"},
	)

	ProvisioningFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keyshop_provisioning_failures_total",
			Help: "Key provisioning attempts that failed after payment.",
		},
	)
)

func init() {
	prometheus.MustRegister(PaymentsCreated, PaymentTransitions, ActiveWatchers, RailPollErrors, ProvisioningFailures)
}
