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

	"github.com/rs/zerolog/log"
)

const inviteTokenBytes = 24

type CreateInviteInput struct {
	BrandID        string
	MaxUses        int
	ExpiresInHours int
	// Email 非空时尽力发送邀请邮件，失败只记录日志
	Email string
}

type CreatedInvite struct {
	Token     string    `json:"token"`
	InviteURL string    `json:"inviteUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxUses   int       `json:"maxUses"`
	BrandID   string    `json:"brandId"`
	EmailSent bool      `json:"emailSent,omitempty"`
}

// InviteMetadata 是公开的邀请信息，status 为计算后的状态
type InviteMetadata struct {
	BrandID       string    `json:"brandId"`
	BrandName     string    `json:"brandName"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expiresAt"`
	MaxUses       int       `json:"maxUses"`
	RemainingUses int       `json:"remainingUses"`
}

type InviteView struct {
	Token         string    `json:"token"`
	InviteURL     string    `json:"inviteUrl"`
	BrandID       string    `json:"brandId"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Status        string    `json:"status"`
	MaxUses       int       `json:"maxUses"`
	UsedBy        []string  `json:"usedBy"`
	RemainingUses int       `json:"remainingUses"`
}

type RedeemedInvite struct {
	BrandID string `json:"brandId"`
	// AlreadyRedeemed 表示同一用户重复兑换，未产生任何写入
	AlreadyRedeemed bool `json:"alreadyRedeemed"`
}

func newInviteView(inv models.Invite, now time.Time, url string) InviteView {
	return InviteView{
		Token:         inv.Token,
		InviteURL:     url,
		BrandID:       inv.BrandID,
		CreatedBy:     inv.CreatedBy,
		CreatedAt:     inv.CreatedAt,
		ExpiresAt:     inv.ExpiresAt,
		Status:        inv.EffectiveStatus(now),
		MaxUses:       inv.MaxUses,
		UsedBy:        inv.UsedBy,
		RemainingUses: maxInt(0, inv.MaxUses-len(inv.UsedBy)),
	}
}

func (s *Service) inviteURL(token string) string {
	return strings.TrimRight(s.config.AppBaseURL, "/") + "/invite/" + token
}

// CreateInvite 由品牌成员创建邀请；brandId 为空时取调用者所在品牌
func (s *Service) CreateInvite(ctx context.Context, callerID string, in CreateInviteInput) (CreatedInvite, error) {
	if callerID == "" {
		return CreatedInvite{}, ErrUnauthorized
	}
	if in.MaxUses == 0 {
		in.MaxUses = 1
	}
	if in.ExpiresInHours == 0 {
		in.ExpiresInHours = s.config.InviteDefaultTTLHours
	}
	if in.MaxUses < 1 || in.MaxUses > s.config.InviteMaxUses {
		return CreatedInvite{}, fmt.Errorf("%w: maxUses must be between 1 and %d", ErrInvalidRequest, s.config.InviteMaxUses)
	}
	if in.ExpiresInHours < 1 || in.ExpiresInHours > s.config.InviteMaxTTLHours {
		return CreatedInvite{}, fmt.Errorf("%w: expiresInHours must be between 1 and %d", ErrInvalidRequest, s.config.InviteMaxTTLHours)
	}

	brandID := strings.TrimSpace(in.BrandID)
	if brandID == "" {
		resolved, err := s.resolveBrand(ctx, callerID)
		if err != nil {
			return CreatedInvite{}, err
		}
		if resolved == "" {
			return CreatedInvite{}, fmt.Errorf("%w: caller has no brand", ErrForbidden)
		}
		brandID = resolved
	}

	brand, err := s.store.GetBrand(ctx, brandID)
	if err != nil {
		return CreatedInvite{}, mapNotFound(err)
	}
	member, err := s.isMember(ctx, callerID, brandID)
	if err != nil {
		return CreatedInvite{}, err
	}
	if !member {
		return CreatedInvite{}, fmt.Errorf("%w: not a member of this brand", ErrForbidden)
	}

	token, err := generateToken(inviteTokenBytes)
	if err != nil {
		return CreatedInvite{}, err
	}
	now := s.clock()
	inv := models.Invite{
		Token:     token,
		BrandID:   brandID,
		CreatedBy: callerID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(in.ExpiresInHours) * time.Hour),
		Status:    models.InviteActive,
		MaxUses:   in.MaxUses,
	}
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateInvite(ctx, inv)
	}); err != nil {
		return CreatedInvite{}, err
	}

	out := CreatedInvite{
		Token:     token,
		InviteURL: s.inviteURL(token),
		ExpiresAt: inv.ExpiresAt,
		MaxUses:   inv.MaxUses,
		BrandID:   brandID,
	}
	if email := strings.TrimSpace(in.Email); email != "" && s.mailer != nil {
		if err := s.mailer.SendInvite(ctx, email, brand.Name, out.InviteURL, out.ExpiresAt); err != nil {
			log.Warn().Err(err).Str("brand_id", brandID).Msg("invite email failed")
		} else {
			out.EmailSent = true
		}
	}
	log.Info().Str("brand_id", brandID).Str("created_by", callerID).Int("max_uses", inv.MaxUses).Msg("invite created")
	return out, nil
}

// GetInviteMetadata 只读；过期或用尽的邀请不会报错，而是返回对应状态
func (s *Service) GetInviteMetadata(ctx context.Context, token string) (InviteMetadata, error) {
	if token == "" {
		return InviteMetadata{}, ErrNotFound
	}
	inv, err := s.store.GetInvite(ctx, token)
	if err != nil {
		return InviteMetadata{}, mapNotFound(err)
	}
	meta := InviteMetadata{
		BrandID:       inv.BrandID,
		Status:        inv.EffectiveStatus(s.clock()),
		ExpiresAt:     inv.ExpiresAt,
		MaxUses:       inv.MaxUses,
		RemainingUses: maxInt(0, inv.MaxUses-len(inv.UsedBy)),
	}
	brand, err := s.store.GetBrand(ctx, inv.BrandID)
	if err != nil {
		log.Warn().Err(err).Str("brand_id", inv.BrandID).Msg("invite brand lookup failed")
	} else {
		meta.BrandName = brand.Name
	}
	return meta, nil
}

// RedeemInvite 在一个事务内校验邀请、写入使用记录并加入品牌
func (s *Service) RedeemInvite(ctx context.Context, token, userID string, profile Profile) (RedeemedInvite, error) {
	if userID == "" {
		return RedeemedInvite{}, ErrUnauthorized
	}
	if token == "" {
		return RedeemedInvite{}, ErrNotFound
	}

	var out RedeemedInvite
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		inv, err := tx.LockInvite(ctx, token)
		if err != nil {
			return mapNotFound(err)
		}
		out.BrandID = inv.BrandID

		switch {
		case inv.Status == models.InviteRevoked:
			return ErrRevoked
		case now.After(inv.ExpiresAt):
			return ErrExpired
		case inv.RedeemedBy(userID):
			out.AlreadyRedeemed = true
			return nil
		case len(inv.UsedBy) >= inv.MaxUses:
			return ErrExhausted
		}

		user, err := loadOrNewUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if user.BrandID != "" && user.BrandID != inv.BrandID {
			return ErrConflict
		}
		if user.BrandID == inv.BrandID {
			// 已是该品牌成员，不消耗邀请次数
			out.AlreadyRedeemed = true
			return nil
		}

		if err := tx.RecordInviteUse(ctx, token, userID, now); err != nil {
			return err
		}
		mergeProfile(&user, profile)
		user.UpdatedAt = now
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		if err := tx.AddMember(ctx, inv.BrandID, userID, now); err != nil {
			if errors.Is(err, store.ErrAlreadyMember) {
				return ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		metrics.InviteRedemptions.WithLabelValues(redeemOutcome(err)).Inc()
		return RedeemedInvite{}, err
	}

	if out.AlreadyRedeemed {
		metrics.InviteRedemptions.WithLabelValues("repeat").Inc()
	} else {
		metrics.InviteRedemptions.WithLabelValues("redeemed").Inc()
		log.Info().Str("brand_id", out.BrandID).Str("user_id", userID).Msg("invite redeemed")
	}
	if err := s.cache.Forget(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("membership cache invalidate failed")
	}
	s.rememberMembership(ctx, userID, out.BrandID)
	return out, nil
}

// RevokeInvite 品牌成员可撤销邀请，重复撤销视为成功
func (s *Service) RevokeInvite(ctx context.Context, callerID, token string) error {
	if callerID == "" {
		return ErrUnauthorized
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.LockInvite(ctx, token)
		if err != nil {
			return mapNotFound(err)
		}
		brandID, err := tx.BrandOf(ctx, callerID)
		if err != nil {
			return err
		}
		if brandID != inv.BrandID {
			return ErrForbidden
		}
		if inv.Status == models.InviteRevoked {
			return nil
		}
		return tx.SetInviteStatus(ctx, token, models.InviteRevoked)
	})
}

func redeemOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
