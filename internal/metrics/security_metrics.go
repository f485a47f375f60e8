// Package metrics exposes prometheus counters for the login security pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SecurityMetrics holds every collector the pipeline reports to.
// A nil *SecurityMetrics is valid and records nothing.
type SecurityMetrics struct {
	LoginAttemptsTotal     *prometheus.CounterVec
	SecurityDecisionsTotal *prometheus.CounterVec
	AccountLocksTotal      *prometheus.CounterVec
	AccountUnlocksTotal    *prometheus.CounterVec
	UnlockRejectionsTotal  prometheus.Counter
	VerificationCodesTotal *prometheus.CounterVec
	NotificationsTotal     *prometheus.CounterVec
	LoginDuration          *prometheus.HistogramVec
}

// NewSecurityMetrics registers the collectors with reg.
// Tests pass prometheus.NewRegistry() to avoid clashing on the default registry.
func NewSecurityMetrics(reg prometheus.Registerer) *SecurityMetrics {
	factory := promauto.With(reg)

	return &SecurityMetrics{
		LoginAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_login_attempts_total",
				Help: "Login attempts recorded in the attempt log",
			},
			[]string{"result", "tier"},
		),
		SecurityDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_security_decisions_total",
				Help: "Pre-credential security decisions by tier",
			},
			[]string{"tier", "allowed"},
		),
		AccountLocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_account_locks_total",
				Help: "Account lock upserts, split into newly created and refreshed",
			},
			[]string{"event"},
		),
		AccountUnlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_account_unlocks_total",
				Help: "Resolved account locks by unlock method",
			},
			[]string{"method"},
		),
		UnlockRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loginguard_unlock_token_rejections_total",
				Help: "Unlock token redemptions that were refused",
			},
		),
		VerificationCodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_verification_codes_total",
				Help: "Verification code issuance and verification results",
			},
			[]string{"event"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginguard_notifications_total",
				Help: "Notification deliveries by kind and status",
			},
			[]string{"kind", "status"},
		),
		LoginDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loginguard_login_duration_seconds",
				Help:    "Time spent processing a login request, including throttling delays",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"outcome"},
		),
	}
}

func (m *SecurityMetrics) ObserveAttempt(succeeded bool, tier int) {
	if m == nil {
		return
	}
	result := "failure"
	if succeeded {
		result = "success"
	}
	m.LoginAttemptsTotal.WithLabelValues(result, strconv.Itoa(tier)).Inc()
}

func (m *SecurityMetrics) ObserveDecision(tier int, allowed bool) {
	if m == nil {
		return
	}
	m.SecurityDecisionsTotal.WithLabelValues(strconv.Itoa(tier), strconv.FormatBool(allowed)).Inc()
}

func (m *SecurityMetrics) ObserveLock(created bool) {
	if m == nil {
		return
	}
	event := "refreshed"
	if created {
		event = "created"
	}
	m.AccountLocksTotal.WithLabelValues(event).Inc()
}

func (m *SecurityMetrics) ObserveUnlock(method string) {
	if m == nil {
		return
	}
	m.AccountUnlocksTotal.WithLabelValues(method).Inc()
}

func (m *SecurityMetrics) ObserveUnlockRejected() {
	if m == nil {
		return
	}
	m.UnlockRejectionsTotal.Inc()
}

// ObserveCode counts a code event: "issued" or a verification outcome kind
func (m *SecurityMetrics) ObserveCode(event string) {
	if m == nil {
		return
	}
	m.VerificationCodesTotal.WithLabelValues(event).Inc()
}

func (m *SecurityMetrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *SecurityMetrics) ObserveLogin(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LoginDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
