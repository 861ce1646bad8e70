package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"brandpool/internal/cache"
	"brandpool/internal/config"
	"brandpool/internal/models"
	"brandpool/internal/store"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("user already belongs to another brand")
	ErrExpired             = errors.New("expired")
	ErrExhausted           = errors.New("no uses remaining")
	ErrRevoked             = errors.New("invite revoked")
	ErrInactive            = errors.New("code is not active")
	ErrNotYetValid         = errors.New("code is not yet valid")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrQuotaExceeded       = errors.New("monthly usage limit reached")
	ErrUpstream            = errors.New("upstream provider failure")
	ErrSignatureInvalid    = errors.New("invalid webhook signature")
	ErrStripeNotConfigured = errors.New("stripe not configured")
	ErrDuplicateRequest    = errors.New("duplicate request")
)

// MembershipCache 是 store 之前的只读提示层，命中结果不能作为拒绝依据
type MembershipCache interface {
	BrandOf(ctx context.Context, userID string) (brandID string, ok bool, err error)
	Remember(ctx context.Context, userID, brandID string) error
	Forget(ctx context.Context, userID string) error
}

// InviteMailer 发送邀请邮件
type InviteMailer interface {
	SendInvite(ctx context.Context, to, brandName, inviteURL string, expiresAt time.Time) error
}

type Service struct {
	store   store.Store
	config  config.Config
	cache   MembershipCache
	billing BillingProvider
	mailer  InviteMailer
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMembershipCache(c MembershipCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithBilling(b BillingProvider) Option {
	return func(s *Service) { s.billing = b }
}

func WithMailer(m InviteMailer) Option {
	return func(s *Service) { s.mailer = m }
}

func New(st store.Store, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		store:  st,
		config: cfg,
		cache:  cache.Nop{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping 检查存储可用性
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Config() config.Config {
	return s.config
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Profile 是身份提供方给出的可合并资料
type Profile struct {
	Email       string
	DisplayName string
}

func mergeProfile(u *models.User, p Profile) {
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
}

// loadOrNewUser 在事务中锁定用户，不存在时返回一条新记录（尚未写入）
func loadOrNewUser(ctx context.Context, tx store.Tx, userID string, now time.Time) (models.User, error) {
	user, err := tx.LockUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewUser(userID, now), nil
	}
	return user, err
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
