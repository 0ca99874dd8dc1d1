package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDecisions counts entitlement decisions by capability and result.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "entitlement",
		Name:      "decisions_total",
		Help:      "Entitlement gate decisions by capability and result (allowed/denied).",
	}, []string{"capability", "result"})

	// AIUsageRecorded counts recorded AI calls.
	AIUsageRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "usage",
		Name:      "ai_calls_recorded_total",
		Help:      "Total AI calls recorded against monthly quotas.",
	})

	// ReferralSignups counts signup-with-referral attempts by outcome.
	ReferralSignups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "referral",
		Name:      "signups_total",
		Help:      "Referral signup attempts by outcome.",
	}, []string{"outcome"})

	// AbuseFlagsRaised counts abuse flags created.
	AbuseFlagsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "abuse",
		Name:      "flags_raised_total",
		Help:      "Total abuse flags raised for manual review.",
	})

	// RewardsProcessed counts reward processing attempts by type and outcome.
	RewardsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "rewards",
		Name:      "processed_total",
		Help:      "Reward processing attempts by reward type and outcome.",
	}, []string{"type", "outcome"})

	// LedgerDuration tracks external ledger call latency.
	LedgerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studybuddy",
		Subsystem: "billing",
		Name:      "ledger_call_duration_seconds",
		Help:      "External ledger call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// JobsProcessed counts queue jobs by type and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studybuddy",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Background jobs processed by type and outcome.",
	}, []string{"type", "outcome"})
)

// Result renders a boolean decision as a label value
func Result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
