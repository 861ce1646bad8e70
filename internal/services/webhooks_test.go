package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"brandpool/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

func eventPayload(t *testing.T, id, eventType string, created int64, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func (f *fixture) deliver(t *testing.T, payload []byte) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	event, err := f.svc.VerifyStripeEvent(payload, signed.Header)
	require.NoError(t, err)
	outcome, err := f.svc.ApplyStripeEvent(context.Background(), event)
	require.NoError(t, err)
	return outcome
}

func TestVerifyStripeEventRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, "evt_1", EventInvoicePaymentPaid, 0, map[string]any{"id": "in_1"})

	_, err := f.svc.VerifyStripeEvent(payload, "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	_, err = f.svc.VerifyStripeEvent(payload, signed.Header)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	cfg := testConfig()
	cfg.StripeWebhookSecret = ""
	unconfigured := newFixtureWithConfig(t, cfg)
	_, err = unconfigured.svc.VerifyStripeEvent(payload, signed.Header)
	assert.ErrorIs(t, err, ErrStripeNotConfigured)
}

func TestSubscriptionLifecycleWebhooks(t *testing.T) {
	f := newFixture(t)
	f.putUser(t, models.User{ID: "u1", BillingCustomerID: "cus_1"})
	periodEnd := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)

	outcome := f.deliver(t, eventPayload(t, "evt_sub_1", EventSubscriptionUpdated, 1741600000, map[string]any{
		"id":                 "sub_1",
		"object":             "subscription",
		"customer":           "cus_1",
		"status":             "active",
		"current_period_end": periodEnd.Unix(),
	}))
	assert.Equal(t, OutcomeApplied, outcome)

	u := f.user(t, "u1")
	assert.Equal(t, models.SubscriptionActive, u.SubscriptionStatus)
	assert.Equal(t, models.TierPro, u.SubscriptionTier)
	assert.Equal(t, "sub_1", u.SubscriptionID)
	require.NotNil(t, u.SubscriptionEndDate)
	assert.Equal(t, periodEnd, *u.SubscriptionEndDate)

	f.deliver(t, eventPayload(t, "evt_sub_2", EventSubscriptionDeleted, 1741700000, map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_1",
		"status":   "canceled",
	}))
	u = f.user(t, "u1")
	assert.Equal(t, models.SubscriptionCanceled, u.SubscriptionStatus)
	assert.Equal(t, models.TierFree, u.SubscriptionTier)
	assert.Empty(t, u.SubscriptionID)
	assert.Nil(t, u.SubscriptionEndDate)
}

func TestInvoicePaidIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	f.putUser(t, models.User{ID: "u1", BillingCustomerID: "cus_1", SubscriptionStatus: models.SubscriptionActive})
	invoice := map[string]any{
		"id":          "in_1",
		"object":      "invoice",
		"customer":    "cus_1",
		"amount_paid": 2900,
	}
	created := time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)

	payload := eventPayload(t, "evt_inv_1", EventInvoicePaymentPaid, created.Unix(), invoice)
	assert.Equal(t, OutcomeApplied, f.deliver(t, payload))
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, payload))

	u := f.user(t, "u1")
	assert.Equal(t, int64(2900), u.TotalRevenueCents)
	require.NotNil(t, u.FirstPaymentDate)
	assert.Equal(t, created, *u.FirstPaymentDate)

	f.deliver(t, eventPayload(t, "evt_inv_2", EventInvoicePaymentPaid, created.AddDate(0, 1, 0).Unix(), invoice))
	u = f.user(t, "u1")
	assert.Equal(t, int64(5800), u.TotalRevenueCents)
	assert.Equal(t, created, *u.FirstPaymentDate)
}

func TestInvoicePaymentFailedMarksPastDue(t *testing.T) {
	f := newFixture(t)
	f.putUser(t, models.User{ID: "u1", BillingCustomerID: "cus_1", SubscriptionStatus: models.SubscriptionActive, SubscriptionTier: models.TierPro})

	f.deliver(t, eventPayload(t, "evt_fail", EventInvoicePaymentFailed, 0, map[string]any{
		"id":       "in_2",
		"object":   "invoice",
		"customer": "cus_1",
	}))
	u := f.user(t, "u1")
	assert.Equal(t, models.SubscriptionPastDue, u.SubscriptionStatus)
	assert.Equal(t, models.TierPro, u.SubscriptionTier)
}

func TestWebhookForUnknownCustomerIsRecorded(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, "evt_ghost", EventInvoicePaymentPaid, 0, map[string]any{
		"id":          "in_3",
		"object":      "invoice",
		"customer":    "cus_nobody",
		"amount_paid": 100,
	})
	assert.Equal(t, OutcomeUnknownCustomer, f.deliver(t, payload))
	assert.Equal(t, OutcomeDuplicate, f.deliver(t, payload))
}

func TestUnhandledWebhookIsIgnored(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, "evt_other", "customer.created", 0, map[string]any{"id": "cus_9", "object": "customer"})
	assert.Equal(t, OutcomeIgnored, f.deliver(t, payload))
	assert.Equal(t, OutcomeIgnored, f.deliver(t, payload))
}

func TestCheckoutCompletedLinksCustomer(t *testing.T) {
	f := newFixture(t)
	f.putUser(t, models.User{ID: "u1"})
	f.putUser(t, models.User{ID: "u2", BillingCustomerID: "cus_taken"})

	f.deliver(t, eventPayload(t, "evt_co_1", EventCheckoutCompleted, 0, map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "u1",
		"customer":            "cus_new",
	}))
	assert.Equal(t, "cus_new", f.user(t, "u1").BillingCustomerID)

	f.putUser(t, models.User{ID: "u3"})
	f.deliver(t, eventPayload(t, "evt_co_2", EventCheckoutCompleted, 0, map[string]any{
		"id":                  "cs_2",
		"object":              "checkout.session",
		"client_reference_id": "u3",
		"customer":            "cus_taken",
	}))
	assert.Empty(t, f.user(t, "u3").BillingCustomerID)
	assert.Equal(t, "cus_taken", f.user(t, "u2").BillingCustomerID)
}

func TestSubscriptionFallsBackToMetadataUser(t *testing.T) {
	f := newFixture(t)
	f.putUser(t, models.User{ID: "u1"})

	outcome := f.deliver(t, eventPayload(t, "evt_meta", EventSubscriptionCreated, 0, map[string]any{
		"id":       "sub_9",
		"object":   "subscription",
		"customer": "cus_meta",
		"status":   "trialing",
		"metadata": map[string]string{"user_id": "u1"},
	}))
	assert.Equal(t, OutcomeApplied, outcome)

	u := f.user(t, "u1")
	assert.Equal(t, "cus_meta", u.BillingCustomerID)
	assert.Equal(t, models.SubscriptionTrialing, u.SubscriptionStatus)
	assert.Equal(t, models.TierPro, u.SubscriptionTier)
}

func TestMapStripeStatus(t *testing.T) {
	cases := map[stripe.SubscriptionStatus]string{
		stripe.SubscriptionStatusActive:            models.SubscriptionActive,
		stripe.SubscriptionStatusTrialing:          models.SubscriptionTrialing,
		stripe.SubscriptionStatusPastDue:           models.SubscriptionPastDue,
		stripe.SubscriptionStatusUnpaid:            models.SubscriptionPastDue,
		stripe.SubscriptionStatusCanceled:          models.SubscriptionCanceled,
		stripe.SubscriptionStatusIncompleteExpired: models.SubscriptionCanceled,
		stripe.SubscriptionStatusIncomplete:        models.SubscriptionNone,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStripeStatus(in), string(in))
	}
}
