package services

import (
	"context"
	"strings"

	"brandpool/internal/models"
	"brandpool/internal/store"
)

func (s *Service) GetUser(ctx context.Context, userID string) (models.User, error) {
	if userID == "" {
		return models.User{}, ErrUnauthorized
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, mapNotFound(err)
	}
	return user, nil
}

// EnsureUser 创建用户记录或合并资料字段，订阅与额度字段保持不变
func (s *Service) EnsureUser(ctx context.Context, userID string, profile Profile) (models.User, error) {
	if userID == "" {
		return models.User{}, ErrUnauthorized
	}
	profile.Email = strings.TrimSpace(profile.Email)
	profile.DisplayName = strings.TrimSpace(profile.DisplayName)

	var user models.User
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		var err error
		user, err = loadOrNewUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		mergeProfile(&user, profile)
		user.UpdatedAt = now
		return tx.UpsertUser(ctx, user)
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}
