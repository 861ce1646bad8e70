package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentPaid   = "invoice.payment_succeeded"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventCheckoutCompleted    = "checkout.session.completed"
)

// Webhook 处理结果，用于指标与日志
const (
	OutcomeApplied         = "applied"
	OutcomeDuplicate       = "duplicate"
	OutcomeIgnored         = "ignored"
	OutcomeUnknownCustomer = "unknown_customer"
)

// errUnknownCustomer 只在事务内部使用：记账后正常提交
var errUnknownCustomer = errors.New("no user for billing customer")

// VerifyStripeEvent 校验签名并解析事件，校验失败时不做任何处理
func (s *Service) VerifyStripeEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.config.StripeWebhookSecret == "" {
		return stripe.Event{}, ErrStripeNotConfigured
	}
	if signature == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.config.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}

// ApplyStripeEvent 幂等地应用账单事件：事件 ID 与副作用在同一事务中写入，
// 副作用失败时回滚台账，事件可由 Stripe 重投。
func (s *Service) ApplyStripeEvent(ctx context.Context, event stripe.Event) (string, error) {
	eventType := string(event.Type)
	if !handledEvent(eventType) {
		log.Debug().Str("event_id", event.ID).Str("type", eventType).Msg("stripe webhook ignored (unhandled type)")
		return OutcomeIgnored, nil
	}
	if event.ID == "" || event.Data == nil {
		return "", fmt.Errorf("%w: event id and data are required", ErrInvalidRequest)
	}

	outcome := OutcomeApplied
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		fresh, err := tx.MarkEventProcessed(ctx, models.ProcessedWebhookEvent{
			EventID:   event.ID,
			EventType: eventType,
			AppliedAt: now,
		})
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}
		err = s.applyEvent(ctx, tx, event, now)
		if errors.Is(err, errUnknownCustomer) {
			outcome = OutcomeUnknownCustomer
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	switch outcome {
	case OutcomeDuplicate:
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("stripe webhook already processed")
	case OutcomeUnknownCustomer:
		log.Warn().Str("event_id", event.ID).Str("type", eventType).Msg("stripe webhook for unknown customer")
	default:
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("stripe webhook applied")
	}
	return outcome, nil
}

func handledEvent(eventType string) bool {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaymentPaid, EventInvoicePaymentFailed, EventCheckoutCompleted:
		return true
	}
	return false
}

func (s *Service) applyEvent(ctx context.Context, tx store.Tx, event stripe.Event, now time.Time) error {
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		user, err := s.subscriptionUser(ctx, tx, &sub)
		if err != nil {
			return err
		}
		status := mapStripeStatus(sub.Status)
		user.SubscriptionStatus = status
		user.SubscriptionTier = models.TierFree
		if models.IsPaidStatus(status) {
			user.SubscriptionTier = models.TierPro
		}
		user.SubscriptionID = sub.ID
		user.SubscriptionEndDate = nil
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			user.SubscriptionEndDate = &end
		}
		user.UpdatedAt = now
		return tx.UpsertUser(ctx, user)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		user, err := lockByCustomer(ctx, tx, customerID(sub.Customer))
		if err != nil {
			return err
		}
		user.SubscriptionStatus = models.SubscriptionCanceled
		user.SubscriptionTier = models.TierFree
		user.SubscriptionID = ""
		user.SubscriptionEndDate = nil
		user.UpdatedAt = now
		return tx.UpsertUser(ctx, user)

	case EventInvoicePaymentPaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		user, err := lockByCustomer(ctx, tx, customerID(inv.Customer))
		if err != nil {
			return err
		}
		user.TotalRevenueCents += inv.AmountPaid
		if user.FirstPaymentDate == nil {
			paidAt := now
			if event.Created > 0 {
				paidAt = time.Unix(event.Created, 0).UTC()
			}
			user.FirstPaymentDate = &paidAt
		}
		user.UpdatedAt = now
		return tx.UpsertUser(ctx, user)

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		user, err := lockByCustomer(ctx, tx, customerID(inv.Customer))
		if err != nil {
			return err
		}
		user.SubscriptionStatus = models.SubscriptionPastDue
		user.UpdatedAt = now
		return tx.UpsertUser(ctx, user)

	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return linkCheckoutCustomer(ctx, tx, &sess, now)
	}
	return nil
}

// subscriptionUser 优先按 customer 查找；找不到时使用结账时写入的 metadata.user_id 并关联 customer
func (s *Service) subscriptionUser(ctx context.Context, tx store.Tx, sub *stripe.Subscription) (models.User, error) {
	custID := customerID(sub.Customer)
	user, err := lockByCustomer(ctx, tx, custID)
	if !errors.Is(err, errUnknownCustomer) {
		return user, err
	}
	userID := sub.Metadata["user_id"]
	if userID == "" || custID == "" {
		return models.User{}, errUnknownCustomer
	}
	user, err = tx.LockUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, errUnknownCustomer
	}
	if err != nil {
		return models.User{}, err
	}
	if user.BillingCustomerID != "" && user.BillingCustomerID != custID {
		log.Warn().Str("user_id", userID).Str("customer_id", custID).Msg("subscription metadata points at a user with a different customer")
		return models.User{}, errUnknownCustomer
	}
	user.BillingCustomerID = custID
	return user, nil
}

func linkCheckoutCustomer(ctx context.Context, tx store.Tx, sess *stripe.CheckoutSession, now time.Time) error {
	userID := sess.ClientReferenceID
	custID := customerID(sess.Customer)
	if userID == "" || custID == "" {
		return errUnknownCustomer
	}
	user, err := tx.LockUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return errUnknownCustomer
	}
	if err != nil {
		return err
	}
	if user.BillingCustomerID != "" {
		return nil
	}
	owner, err := tx.GetUserByCustomerID(ctx, custID)
	if err == nil && owner.ID != userID {
		log.Warn().Str("user_id", userID).Str("customer_id", custID).Str("owner_id", owner.ID).Msg("checkout customer already linked to another user")
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	user.BillingCustomerID = custID
	user.UpdatedAt = now
	return tx.UpsertUser(ctx, user)
}

func lockByCustomer(ctx context.Context, tx store.Tx, custID string) (models.User, error) {
	if custID == "" {
		return models.User{}, errUnknownCustomer
	}
	user, err := tx.LockUserByCustomerID(ctx, custID)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, errUnknownCustomer
	}
	return user, err
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// mapStripeStatus 将 Stripe 订阅状态折叠为本地枚举
func mapStripeStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionNone
	}
}
