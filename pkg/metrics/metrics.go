// Package metrics exposes Prometheus metrics for the activation daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Activation metrics
	activationsTotal    *prometheus.CounterVec
	activationStageSecs *prometheus.HistogramVec
	deviceState         *prometheus.GaugeVec
	activationFailures  *prometheus.CounterVec

	// Supplicant metrics
	supplicantTimeouts *prometheus.CounterVec
	supplicantSessions *prometheus.CounterVec

	// Secrets metrics
	secretsRequests *prometheus.CounterVec

	// DCB metrics
	dcbTransitions prometheus.Counter
	dcbFailures    prometheus.Counter

	// PPPoE metrics
	pppoeReconnectDelays prometheus.Counter
	pppoeSessionsActive  prometheus.Gauge

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger,

		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkd_activations_total",
				Help: "Total activation attempts by result",
			},
			[]string{"result"},
		),

		activationStageSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkd_activation_stage_seconds",
				Help:    "Time spent per activation stage",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		deviceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "linkd_device_state",
				Help: "Current device state as a numeric code",
			},
			[]string{"interface"},
		),

		activationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkd_activation_failures_total",
				Help: "Activation failures by reason",
			},
			[]string{"reason"},
		),

		supplicantTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkd_supplicant_timeouts_total",
				Help: "Supplicant watchdog expirations by kind",
			},
			[]string{"kind"},
		),

		supplicantSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkd_supplicant_sessions_total",
				Help: "Supplicant sessions by outcome",
			},
			[]string{"outcome"},
		),

		secretsRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkd_secrets_requests_total",
				Help: "Secret agent round-trips by outcome",
			},
			[]string{"outcome"},
		),

		dcbTransitions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "linkd_dcb_transitions_total",
				Help: "DCB carrier-wait state transitions",
			},
		),

		dcbFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "linkd_dcb_failures_total",
				Help: "DCB enable/setup command failures",
			},
		),

		pppoeReconnectDelays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "linkd_pppoe_reconnect_delays_total",
				Help: "PPPoE activations delayed by the reconnect governor",
			},
		),

		pppoeSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "linkd_pppoe_sessions_active",
				Help: "Number of live PPPoE sessions",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.activationsTotal,
		m.activationStageSecs,
		m.deviceState,
		m.activationFailures,
		m.supplicantTimeouts,
		m.supplicantSessions,
		m.secretsRequests,
		m.dcbTransitions,
		m.dcbFailures,
		m.pppoeReconnectDelays,
		m.pppoeSessionsActive,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---
// All update methods tolerate a nil receiver so components can treat
// metrics as optional.

// RecordActivation records a finished activation attempt.
func (m *Metrics) RecordActivation(result string) {
	if m == nil {
		return
	}
	m.activationsTotal.WithLabelValues(result).Inc()
}

// RecordStageDuration records how long one activation stage took.
func (m *Metrics) RecordStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.activationStageSecs.WithLabelValues(stage).Observe(seconds)
}

// SetDeviceState publishes the numeric state code of a device.
func (m *Metrics) SetDeviceState(iface string, code int) {
	if m == nil {
		return
	}
	m.deviceState.WithLabelValues(iface).Set(float64(code))
}

// RecordFailure records an activation failure by reason.
func (m *Metrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.activationFailures.WithLabelValues(reason).Inc()
}

// RecordSupplicantTimeout records a watchdog expiry.
func (m *Metrics) RecordSupplicantTimeout(kind string) {
	if m == nil {
		return
	}
	m.supplicantTimeouts.WithLabelValues(kind).Inc()
}

// RecordSupplicantSession records a session outcome.
func (m *Metrics) RecordSupplicantSession(outcome string) {
	if m == nil {
		return
	}
	m.supplicantSessions.WithLabelValues(outcome).Inc()
}

// RecordSecretsRequest records a secret agent round-trip outcome.
func (m *Metrics) RecordSecretsRequest(outcome string) {
	if m == nil {
		return
	}
	m.secretsRequests.WithLabelValues(outcome).Inc()
}

// RecordDCBTransition records one DCB wait-state transition.
func (m *Metrics) RecordDCBTransition() {
	if m == nil {
		return
	}
	m.dcbTransitions.Inc()
}

// RecordDCBFailure records a failed DCB external command.
func (m *Metrics) RecordDCBFailure() {
	if m == nil {
		return
	}
	m.dcbFailures.Inc()
}

// RecordPPPoEDelay records an activation held back by the reconnect governor.
func (m *Metrics) RecordPPPoEDelay() {
	if m == nil {
		return
	}
	m.pppoeReconnectDelays.Inc()
}

// SetPPPoESessions publishes the live PPPoE session count.
func (m *Metrics) SetPPPoESessions(count int) {
	if m == nil {
		return
	}
	m.pppoeSessionsActive.Set(float64(count))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
