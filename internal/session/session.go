package session

import (
	"time"

	"github.com/yansir/grok-relay/internal/store"
)

// Outcome is the result of one attempt, as reported back to the pool.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRecoverable Outcome = "recoverable_failure"
	OutcomeAuthFailure Outcome = "auth_failure"
	OutcomeAntiBot     Outcome = "anti_bot"
	OutcomeRateLimit   Outcome = "rate_limit"
	OutcomeUpstream5xx Outcome = "upstream_5xx"
	OutcomeClientError Outcome = "client_error"
	OutcomeTransport   Outcome = "transport_error"
)

// Retryable reports whether the coordinator should rotate to another
// session after this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeSuccess, OutcomeClientError:
		return false
	}
	return true
}

// ClassifierConfig holds the rule thresholds for effective status.
type ClassifierConfig struct {
	RotationThreshold int
	MaxAge            time.Duration
	FailureThreshold  float64
	MinUsageForRate   int
}

// EffectiveStatus derives the status of a session row at read time. Rules
// are applied in order; the first match wins.
func EffectiveStatus(s *store.Session, now time.Time, cfg ClassifierConfig) string {
	if s.Status == store.StatusRevoked {
		return store.StatusRevoked
	}
	if s.Status == store.StatusExpired {
		return store.StatusExpired
	}
	if s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
		return store.StatusExpired
	}
	if cfg.RotationThreshold > 0 && s.UsageCount >= cfg.RotationThreshold {
		return store.StatusExpired
	}
	if cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > cfg.MaxAge {
		return store.StatusExpired
	}
	if s.Status == store.StatusQuarantined {
		return store.StatusQuarantined
	}
	if s.UsageCount >= cfg.MinUsageForRate &&
		float64(s.FailureCount)/float64(s.UsageCount) >= cfg.FailureThreshold {
		return store.StatusQuarantined
	}
	return store.StatusHealthy
}

// ExpiryReason names which classifier rule retired a session, for the
// rotation counter labels.
func ExpiryReason(s *store.Session, now time.Time, cfg ClassifierConfig) string {
	switch {
	case s.ExpiresAt != nil && s.ExpiresAt.Before(now):
		return "expires_at"
	case cfg.RotationThreshold > 0 && s.UsageCount >= cfg.RotationThreshold:
		return "rotation_threshold"
	case cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > cfg.MaxAge:
		return "max_age"
	default:
		return "failure_rate"
	}
}
