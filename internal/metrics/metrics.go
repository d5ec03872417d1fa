package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle
var (
	// SessionTransitions counts applied session state changes by the state entered.
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlslab_session_transitions_total",
			Help: "Session state transitions by resulting state",
		},
		[]string{"state"},
	)

	// RoleFallbacks counts role lookups that fell back to the baseline role.
	RoleFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlslab_role_fallbacks_total",
			Help: "Role resolutions that defaulted to the baseline role, by reason",
		},
		[]string{"reason"},
	)

	// StaleResults counts provider results discarded by the ordering guard or after teardown.
	StaleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlslab_session_discarded_results_total",
			Help: "Session results discarded because they were stale or arrived after teardown",
		},
		[]string{"reason"},
	)
)

// Identity provider traffic
var (
	// CredentialOps counts sign-up / sign-in / sign-out calls by outcome.
	CredentialOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlslab_credential_operations_total",
			Help: "Credential operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// TokenRefreshes counts refresh-token grants by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlslab_token_refreshes_total",
			Help: "Access token refreshes by outcome",
		},
		[]string{"outcome"},
	)
)

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
