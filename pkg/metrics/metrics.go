package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result
	// (success|failure|locked|disabled).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TwoFactorVerifications counts second-factor checks by method
	// (totp|backup) and result (success|failure).
	TwoFactorVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_two_factor_verifications_total",
			Help: "Total number of two-factor verification attempts",
		},
		[]string{"method", "result"},
	)

	// ActiveSessions tracks sessions that are neither expired nor revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authcore_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// PasswordResets counts reset-token lifecycle events
	// (requested|completed|failed).
	PasswordResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_password_resets_total",
			Help: "Total number of password reset events",
		},
		[]string{"event"},
	)

	// PermissionChecks counts capability evaluations and their outcome (allow|deny).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_permission_checks_total",
			Help: "Total number of capability checks",
		},
		[]string{"capability", "result"},
	)

	// MaintenanceDeletions counts rows removed by cleanup jobs, by target.
	MaintenanceDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_maintenance_deletions_total",
			Help: "Rows deleted by background maintenance sweeps",
		},
		[]string{"target"},
	)
)
