package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook deliveries by event type and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Stripe webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "brandpool",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementDecisions counts access checks by the source that granted (or denied) access.
	EntitlementDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "entitlement",
		Name:      "decisions_total",
		Help:      "Entitlement decisions by source.",
	}, []string{"source"})

	UsageIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "usage",
		Name:      "increments_total",
		Help:      "Usage increment attempts by outcome.",
	}, []string{"outcome"})

	InviteRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "invites",
		Name:      "redemptions_total",
		Help:      "Invite redemption attempts by outcome.",
	}, []string{"outcome"})

	TesterCodeRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "tester_codes",
		Name:      "redemptions_total",
		Help:      "Tester code redemption attempts by outcome.",
	}, []string{"outcome"})

	MembershipCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brandpool",
		Subsystem: "cache",
		Name:      "membership_lookups_total",
		Help:      "Membership cache lookups by result (hit/miss/error).",
	}, []string{"result"})
)
