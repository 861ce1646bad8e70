package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxBrandNameLen = 120

// CreateBrand 创建品牌并把调用者加为第一个成员
func (s *Service) CreateBrand(ctx context.Context, callerID, name string, profile Profile) (models.Brand, error) {
	if callerID == "" {
		return models.Brand{}, ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxBrandNameLen {
		return models.Brand{}, fmt.Errorf("%w: brand name must be 1-%d characters", ErrInvalidRequest, maxBrandNameLen)
	}

	brand := models.Brand{ID: uuid.NewString(), Name: name, CreatedBy: callerID}
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		user, err := loadOrNewUser(ctx, tx, callerID, now)
		if err != nil {
			return err
		}
		if user.BrandID != "" {
			return ErrConflict
		}
		mergeProfile(&user, profile)
		user.UpdatedAt = now
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		brand.CreatedAt = now
		if err := tx.CreateBrand(ctx, brand); err != nil {
			return err
		}
		if err := tx.AddMember(ctx, brand.ID, callerID, now); err != nil {
			if errors.Is(err, store.ErrAlreadyMember) {
				return ErrConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.Brand{}, err
	}
	brand.MemberUserIDs = []string{callerID}
	s.rememberMembership(ctx, callerID, brand.ID)
	return brand, nil
}

// GetMyBrand 返回调用者所在品牌及成员列表
func (s *Service) GetMyBrand(ctx context.Context, userID string) (models.Brand, error) {
	brandID, err := s.store.BrandOf(ctx, userID)
	if err != nil {
		return models.Brand{}, err
	}
	if brandID == "" {
		return models.Brand{}, ErrNotFound
	}
	brand, err := s.store.GetBrand(ctx, brandID)
	if err != nil {
		return models.Brand{}, mapNotFound(err)
	}
	return brand, nil
}

// ListMyBrandInvites 列出调用者品牌下的所有邀请
func (s *Service) ListMyBrandInvites(ctx context.Context, userID string) ([]InviteView, error) {
	brandID, err := s.resolveBrand(ctx, userID)
	if err != nil {
		return nil, err
	}
	if brandID == "" {
		return nil, ErrForbidden
	}
	invites, err := s.store.ListBrandInvites(ctx, brandID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	views := make([]InviteView, 0, len(invites))
	for _, inv := range invites {
		views = append(views, newInviteView(inv, now, s.inviteURL(inv.Token)))
	}
	return views, nil
}

// resolveBrand 先查缓存，未命中再读 store 并回填
func (s *Service) resolveBrand(ctx context.Context, userID string) (string, error) {
	if brandID, ok, err := s.cache.BrandOf(ctx, userID); err == nil && ok {
		return brandID, nil
	} else if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("membership cache lookup failed")
	}
	brandID, err := s.store.BrandOf(ctx, userID)
	if err != nil {
		return "", err
	}
	s.rememberMembership(ctx, userID, brandID)
	return brandID, nil
}

// isMember 缓存命中即放行；否则以 store 为准
func (s *Service) isMember(ctx context.Context, userID, brandID string) (bool, error) {
	if cached, ok, err := s.cache.BrandOf(ctx, userID); err == nil && ok && cached == brandID {
		return true, nil
	}
	actual, err := s.store.BrandOf(ctx, userID)
	if err != nil {
		return false, err
	}
	if actual != "" {
		s.rememberMembership(ctx, userID, actual)
	}
	return actual == brandID, nil
}

func (s *Service) rememberMembership(ctx context.Context, userID, brandID string) {
	if brandID == "" {
		return
	}
	if err := s.cache.Remember(ctx, userID, brandID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("membership cache write failed")
	}
}
