package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brandpool/internal/metrics"
	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

type TesterCodeRedemption struct {
	ExpiryDate         time.Time `json:"expiryDate"`
	AccessDurationDays int       `json:"accessDurationDays"`
	AlreadyRedeemed    bool      `json:"alreadyRedeemed,omitempty"`
}

type CreateTesterCodeInput struct {
	Code               string
	MaxRedemptions     int
	ValidFrom          *time.Time
	ValidUntil         *time.Time
	AccessDurationDays int
	CreatedBy          string
}

// NormalizeCode 统一大小写并去掉首尾空白
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RedeemTesterCode 原子地校验并兑换测试码。
// 同一用户重复兑换返回首次兑换的到期时间，不修改计数。
func (s *Service) RedeemTesterCode(ctx context.Context, code, userID, userEmail string) (TesterCodeRedemption, error) {
	if userID == "" {
		return TesterCodeRedemption{}, ErrUnauthorized
	}
	code = NormalizeCode(code)
	if code == "" {
		return TesterCodeRedemption{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	var out TesterCodeRedemption
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		tc, err := tx.LockTesterCode(ctx, code)
		if err != nil {
			return mapNotFound(err)
		}
		if !tc.IsActive {
			return ErrInactive
		}
		if prior, ok := tc.RedemptionFor(userID); ok {
			out = TesterCodeRedemption{
				ExpiryDate:         prior.AccessExpiresAt,
				AccessDurationDays: tc.AccessDurationDays,
				AlreadyRedeemed:    true,
			}
			return nil
		}
		if !tc.Unlimited() && tc.CurrentRedemptions >= tc.MaxRedemptions {
			return ErrExhausted
		}
		if now.Before(tc.ValidFrom) {
			return ErrNotYetValid
		}
		if tc.ValidUntil != nil && now.After(*tc.ValidUntil) {
			return ErrExpired
		}

		user, err := loadOrNewUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		expiry := now.AddDate(0, 0, tc.AccessDurationDays)
		if user.TesterAccessActive(now) && user.TesterAccessExpiry.After(expiry) {
			expiry = *user.TesterAccessExpiry
		}
		user.HasTesterAccess = true
		user.TesterAccessExpiry = &expiry
		if user.Email == "" {
			user.Email = userEmail
		}
		user.UpdatedAt = now

		tc.CurrentRedemptions++
		if err := tx.SaveTesterCode(ctx, tc); err != nil {
			return err
		}
		if err := tx.AppendTesterRedemption(ctx, models.TesterRedemption{
			ID:              ulid.Make().String(),
			Code:            tc.Code,
			UserID:          userID,
			UserEmail:       userEmail,
			RedeemedAt:      now,
			AccessExpiresAt: expiry,
		}); err != nil {
			return err
		}
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		out = TesterCodeRedemption{ExpiryDate: expiry, AccessDurationDays: tc.AccessDurationDays}
		return nil
	})
	if err != nil {
		metrics.TesterCodeRedemptions.WithLabelValues(testerOutcome(err)).Inc()
		return TesterCodeRedemption{}, err
	}
	if out.AlreadyRedeemed {
		metrics.TesterCodeRedemptions.WithLabelValues("repeat").Inc()
	} else {
		metrics.TesterCodeRedemptions.WithLabelValues("redeemed").Inc()
		log.Info().Str("code", code).Str("user_id", userID).Time("expires_at", out.ExpiryDate).Msg("tester code redeemed")
	}
	return out, nil
}

// CreateTesterCode 管理员创建测试码；Code 为空时随机生成
func (s *Service) CreateTesterCode(ctx context.Context, in CreateTesterCodeInput) (models.TesterCode, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		raw, err := generateToken(5)
		if err != nil {
			return models.TesterCode{}, err
		}
		code = strings.ToUpper(raw)
	}
	if in.AccessDurationDays <= 0 {
		return models.TesterCode{}, fmt.Errorf("%w: accessDurationDays must be positive", ErrInvalidRequest)
	}
	if in.MaxRedemptions == 0 || in.MaxRedemptions < models.UnlimitedRedemptions {
		return models.TesterCode{}, fmt.Errorf("%w: maxRedemptions must be -1 (unlimited) or at least 1", ErrInvalidRequest)
	}
	now := s.clock()
	validFrom := now
	if in.ValidFrom != nil {
		validFrom = in.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if in.ValidUntil != nil {
		until := in.ValidUntil.UTC()
		if !until.After(validFrom) {
			return models.TesterCode{}, fmt.Errorf("%w: validUntil must be after validFrom", ErrInvalidRequest)
		}
		validUntil = &until
	}

	tc := models.TesterCode{
		Code:               code,
		IsActive:           true,
		MaxRedemptions:     in.MaxRedemptions,
		ValidFrom:          validFrom,
		ValidUntil:         validUntil,
		AccessDurationDays: in.AccessDurationDays,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          now,
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateTesterCode(ctx, tc)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return models.TesterCode{}, fmt.Errorf("%w: tester code %s already exists", ErrDuplicateRequest, code)
	}
	if err != nil {
		return models.TesterCode{}, err
	}
	log.Info().Str("code", code).Str("created_by", in.CreatedBy).Msg("tester code created")
	return tc, nil
}

// DeactivateTesterCode 停用测试码，已发放的权限不受影响
func (s *Service) DeactivateTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	code = NormalizeCode(code)
	var tc models.TesterCode
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tc, err = tx.LockTesterCode(ctx, code)
		if err != nil {
			return mapNotFound(err)
		}
		if !tc.IsActive {
			return nil
		}
		tc.IsActive = false
		return tx.SaveTesterCode(ctx, tc)
	})
	if err != nil {
		return models.TesterCode{}, err
	}
	return tc, nil
}

func (s *Service) GetTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	tc, err := s.store.GetTesterCode(ctx, NormalizeCode(code))
	if err != nil {
		return models.TesterCode{}, mapNotFound(err)
	}
	return tc, nil
}

func (s *Service) ListTesterCodes(ctx context.Context, page, pageSize int) ([]models.TesterCode, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListTesterCodes(ctx, (page-1)*pageSize, pageSize)
}

func testerOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "error"
	}
}
