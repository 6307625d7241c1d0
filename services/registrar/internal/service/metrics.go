package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grigta/registrar/services/registrar/internal/callback"
)

type MetricsCollector interface {
	IncrementRegistrationsTotal(result string)
	RecordRegistrationDuration(duration time.Duration)
	IncrementStepAttempts(state string)
	IncrementActiveRegistrations()
	DecrementActiveRegistrations()
	UpdateBrowserPoolSize(size int)
	UpdateActiveSessions(count int)
	IncrementChallenges(challengeType, outcome string)
	IncrementErrorsTotal(errorType string)
	IncrementManualInterventions()
}

type metricsCollector struct {
	registrationsTotal       *prometheus.CounterVec
	registrationDuration     prometheus.Histogram
	stepAttemptsTotal        *prometheus.CounterVec
	activeRegistrations      prometheus.Gauge
	browserPoolSize          prometheus.Gauge
	activeSessions           prometheus.Gauge
	challengesTotal          *prometheus.CounterVec
	errorsTotal              *prometheus.CounterVec
	manualInterventionsTotal prometheus.Counter
}

// NewMetricsCollector registers the registrar collectors with reg, or with
// the default registry when reg is nil.
func NewMetricsCollector(reg prometheus.Registerer) MetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &metricsCollector{
		registrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_registrations_total",
				Help: "Total number of finished registrations by result",
			},
			[]string{"result"},
		),
		registrationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registrar_registration_duration_seconds",
				Help:    "Registration duration in seconds",
				Buckets: prometheus.ExponentialBuckets(5, 2, 9), // 5s to ~21m
			},
		),
		stepAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_step_attempts_total",
				Help: "Total number of state machine step attempts by state",
			},
			[]string{"state"},
		),
		activeRegistrations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "registrar_active_registrations",
				Help: "Number of currently running registrations",
			},
		),
		browserPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "registrar_browser_pool_size",
				Help: "Number of launched browser instances",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "registrar_browser_active_sessions",
				Help: "Number of browser sessions currently acquired",
			},
		),
		challengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_challenges_total",
				Help: "Human verification challenges by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		manualInterventionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "registrar_manual_interventions_total",
				Help: "Total number of manual intervention requests",
			},
		),
	}
}

func (m *metricsCollector) IncrementRegistrationsTotal(result string) {
	m.registrationsTotal.WithLabelValues(result).Inc()
}

func (m *metricsCollector) RecordRegistrationDuration(duration time.Duration) {
	m.registrationDuration.Observe(duration.Seconds())
}

func (m *metricsCollector) IncrementStepAttempts(state string) {
	m.stepAttemptsTotal.WithLabelValues(state).Inc()
}

func (m *metricsCollector) IncrementActiveRegistrations() {
	m.activeRegistrations.Inc()
}

func (m *metricsCollector) DecrementActiveRegistrations() {
	m.activeRegistrations.Dec()
}

func (m *metricsCollector) UpdateBrowserPoolSize(size int) {
	m.browserPoolSize.Set(float64(size))
}

func (m *metricsCollector) UpdateActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *metricsCollector) IncrementChallenges(challengeType, outcome string) {
	m.challengesTotal.WithLabelValues(challengeType, outcome).Inc()
}

func (m *metricsCollector) IncrementErrorsTotal(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

func (m *metricsCollector) IncrementManualInterventions() {
	m.manualInterventionsTotal.Inc()
}

// MetricsListeners turns lifecycle events into collector updates.
func MetricsListeners(m MetricsCollector) callback.Listeners {
	return callback.Listeners{
		OnStepStarted: func(e callback.Event) error {
			m.IncrementStepAttempts(string(e.State))
			return nil
		},
		OnChallengeDetected: func(e callback.Event) error {
			m.IncrementChallenges(e.ChallengeType, "detected")
			m.IncrementManualInterventions()
			return nil
		},
		OnChallengeResolved: func(e callback.Event) error {
			m.IncrementChallenges(e.ChallengeType, e.Outcome)
			return nil
		},
		OnChallengeTimeout: func(e callback.Event) error {
			m.IncrementChallenges(e.ChallengeType, e.Outcome)
			return nil
		},
		OnOutcome: func(e callback.Event) error {
			if e.Result == nil {
				return nil
			}
			m.IncrementRegistrationsTotal(string(e.Result.Status))
			m.RecordRegistrationDuration(time.Duration(e.Result.Duration * float64(time.Second)))
			if !e.Result.Success {
				m.IncrementErrorsTotal(string(e.Result.FinalState))
			}
			return nil
		},
	}
}
