package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stepguard"

var (
	RiskAssessments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_assessments_total",
		Help:      "Anonymity risk assessments by resulting level",
	}, []string{"level"})

	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of anonymity risk scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	SignalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_failures_total",
		Help:      "Signal provider lookups that degraded to the neutral result",
	}, []string{"provider"})

	TorRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tor_refresh_total",
		Help:      "Tor exit list refresh attempts by result",
	}, []string{"result"})

	TorExitNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tor_exit_nodes",
		Help:      "Number of Tor exit nodes in the current snapshot",
	})

	OTPVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_verifications_total",
		Help:      "OTP verification outcomes",
	}, []string{"outcome"})

	OTPDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "otp_deliveries_total",
		Help:      "OTP message deliveries by provider and result",
	}, []string{"provider", "result"})

	FlowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_flow_transitions_total",
		Help:      "Login state machine transitions",
	}, []string{"from", "to"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern, method and status",
	}, []string{"route", "method", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// Register registers all collectors on reg (or the default registerer if nil).
// Collectors that are already registered are skipped.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collectors := []prometheus.Collector{
		RiskAssessments, RiskScore, SignalFailures, TorRefreshes,
		TorExitNodes, OTPVerifications, OTPDeliveries, FlowTransitions,
		HTTPRequests, HTTPDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
