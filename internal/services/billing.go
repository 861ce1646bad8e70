package services

import (
	"context"
	"errors"
	"fmt"

	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
)

// BillingProvider 托管结账与账单门户
type BillingProvider interface {
	CreateCustomer(ctx context.Context, user models.User) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type CheckoutRequest struct {
	CustomerID string
	UserID     string
	SuccessURL string
	CancelURL  string
}

type StripeBilling struct {
	secretKey string
	priceID   string
}

func NewStripeBilling(secretKey, priceID string) *StripeBilling {
	return &StripeBilling{secretKey: secretKey, priceID: priceID}
}

func (b *StripeBilling) CreateCustomer(ctx context.Context, user models.User) (string, error) {
	stripe.Key = b.secretKey
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": user.ID},
	}
	if user.Email != "" {
		params.Email = stripe.String(user.Email)
	}
	if user.DisplayName != "" {
		params.Name = stripe.String(user.DisplayName)
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (b *StripeBilling) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if b.priceID == "" {
		return "", errors.New("stripe price not configured")
	}
	stripe.Key = b.secretKey
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(b.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID},
		},
		Metadata: map[string]string{"user_id": req.UserID},
	}
	params.Context = ctx
	sess, err := session.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (b *StripeBilling) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	stripe.Key = b.secretKey
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := portalsession.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// CreateCheckout 确保 Stripe customer 存在后返回托管结账地址
func (s *Service) CreateCheckout(ctx context.Context, userID string, profile Profile, successURL, cancelURL string) (string, error) {
	if s.billing == nil {
		return "", ErrStripeNotConfigured
	}
	if successURL == "" || cancelURL == "" {
		return "", fmt.Errorf("%w: successUrl and cancelUrl are required", ErrInvalidRequest)
	}
	user, err := s.EnsureUser(ctx, userID, profile)
	if err != nil {
		return "", err
	}
	if user.HasPaidSubscription() {
		return "", fmt.Errorf("%w: subscription already active", ErrDuplicateRequest)
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	url, err := s.billing.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: customerID,
		UserID:     userID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		logStripeError(err, "create checkout session")
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return url, nil
}

// CreatePortal 返回账单门户地址，要求用户已有 Stripe customer
func (s *Service) CreatePortal(ctx context.Context, userID, returnURL string) (string, error) {
	if s.billing == nil {
		return "", ErrStripeNotConfigured
	}
	if returnURL == "" {
		return "", fmt.Errorf("%w: returnUrl is required", ErrInvalidRequest)
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.BillingCustomerID == "" {
		return "", fmt.Errorf("%w: no billing account", ErrNotFound)
	}
	url, err := s.billing.CreatePortalSession(ctx, user.BillingCustomerID, returnURL)
	if err != nil {
		logStripeError(err, "create portal session")
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return url, nil
}

// ensureCustomer 在事务外调用 Stripe，再在事务内写回；并发时以先写入者为准
func (s *Service) ensureCustomer(ctx context.Context, user models.User) (string, error) {
	if user.BillingCustomerID != "" {
		return user.BillingCustomerID, nil
	}
	created, err := s.billing.CreateCustomer(ctx, user)
	if err != nil {
		logStripeError(err, "create customer")
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	customerID := created
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return mapNotFound(err)
		}
		if locked.BillingCustomerID != "" {
			customerID = locked.BillingCustomerID
			return nil
		}
		locked.BillingCustomerID = created
		locked.UpdatedAt = s.clock()
		return tx.UpsertUser(ctx, locked)
	})
	if err != nil {
		return "", err
	}
	return customerID, nil
}

func logStripeError(err error, op string) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Error().Str("op", op).Str("type", string(stripeErr.Type)).Str("code", string(stripeErr.Code)).
			Str("param", stripeErr.Param).Msg(stripeErr.Msg)
		return
	}
	log.Error().Err(err).Str("op", op).Msg("stripe request failed")
}
