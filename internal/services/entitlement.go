package services

import (
	"context"
	"sync"
	"time"

	"brandpool/internal/metrics"
	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	SourceSubscription = "subscription"
	SourceTester       = "tester"
	SourcePooled       = "pooled"
	SourceQuota        = "quota"
	SourceNone         = "none"
)

type Entitlement struct {
	HasAccess          bool       `json:"hasAccess"`
	Tier               string     `json:"tier"`
	EffectiveTier      string     `json:"effectiveTier"`
	SubscriptionStatus string     `json:"subscriptionStatus"`
	MonthlyLimit       int        `json:"monthlyLimit"`
	UsedThisMonth      int        `json:"scrapeJobsThisMonth"`
	RemainingJobs      int        `json:"remainingJobs"`
	HasTesterAccess    bool       `json:"hasTesterAccess"`
	TesterAccessExpiry *time.Time `json:"testerAccessExpiry,omitempty"`
	BrandID            string     `json:"brandId,omitempty"`
	PooledFrom         string     `json:"pooledFrom,omitempty"`
	Source             string     `json:"source"`
}

// ComputeEntitlement 只读聚合：自身订阅 > 测试码 > 品牌共享订阅 > 免费额度
func (s *Service) ComputeEntitlement(ctx context.Context, userID string) (Entitlement, error) {
	if userID == "" {
		return Entitlement{}, ErrUnauthorized
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Entitlement{}, mapNotFound(err)
	}
	ent := s.evaluate(ctx, s.store, user, s.clock(), s.config.MemberFanout)
	metrics.EntitlementDecisions.WithLabelValues(ent.Source).Inc()
	return ent, nil
}

func (s *Service) evaluate(ctx context.Context, r store.Reader, user models.User, now time.Time, fanout int) Entitlement {
	ent := Entitlement{
		Tier:               models.TierFree,
		EffectiveTier:      models.TierFree,
		SubscriptionStatus: user.SubscriptionStatus,
		UsedThisMonth:      usedThisMonth(user, now),
		BrandID:            user.BrandID,
	}
	if user.TesterAccessActive(now) {
		ent.HasTesterAccess = true
		ent.TesterAccessExpiry = user.TesterAccessExpiry
	}

	var own, tester, pooled bool
	switch {
	case user.HasPaidSubscription():
		own = true
		ent.Tier = models.TierPro
		ent.EffectiveTier = tierOrPro(user.SubscriptionTier)
		ent.Source = SourceSubscription
	case ent.HasTesterAccess:
		tester = true
		ent.Source = SourceTester
	default:
		if payer, ok := s.pooledSubscriber(ctx, r, user, fanout); ok {
			pooled = true
			ent.Tier = models.TierPro
			ent.EffectiveTier = tierOrPro(payer.SubscriptionTier)
			ent.PooledFrom = payer.ID
			ent.Source = SourcePooled
		}
	}

	ent.MonthlyLimit = s.monthlyLimit(ent.Tier)
	ent.RemainingJobs = maxInt(0, ent.MonthlyLimit-ent.UsedThisMonth)
	underQuota := ent.UsedThisMonth < ent.MonthlyLimit
	ent.HasAccess = own || tester || pooled || underQuota
	if ent.Source == "" {
		if underQuota {
			ent.Source = SourceQuota
		} else {
			ent.Source = SourceNone
		}
	}
	return ent
}

// pooledSubscriber 扫描品牌其他成员，返回按成员顺序第一个付费成员。
// 单个成员读取失败会被跳过；fanout 为 1 时串行读取（事务内必须如此）。
func (s *Service) pooledSubscriber(ctx context.Context, r store.Reader, user models.User, fanout int) (models.User, bool) {
	if user.BrandID == "" {
		return models.User{}, false
	}
	members, err := r.ListBrandMembers(ctx, user.BrandID)
	if err != nil {
		log.Warn().Err(err).Str("brand_id", user.BrandID).Msg("brand member lookup failed")
		return models.User{}, false
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		best   = -1
		payers = make([]models.User, len(members))
	)
	g := new(errgroup.Group)
	g.SetLimit(maxInt(1, fanout))
	for i, memberID := range members {
		i, memberID := i, memberID
		if memberID == user.ID {
			continue
		}
		g.Go(func() error {
			if scanCtx.Err() != nil {
				return nil
			}
			member, err := r.GetUser(scanCtx, memberID)
			if err != nil {
				if scanCtx.Err() == nil {
					log.Warn().Err(err).Str("brand_id", user.BrandID).Str("member_id", memberID).Msg("brand member read skipped")
				}
				return nil
			}
			if !member.HasPaidSubscription() {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			payers[i] = member
			if best == -1 || i < best {
				best = i
			}
			if best == 0 || fanout <= 1 {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	if best == -1 {
		return models.User{}, false
	}
	return payers[best], true
}

func (s *Service) monthlyLimit(tier string) int {
	if tier == models.TierPro {
		return s.config.ProMonthlyLimit
	}
	return s.config.FreeMonthlyLimit
}

// usedThisMonth 上个月的计数视为 0
func usedThisMonth(user models.User, now time.Time) int {
	if user.LastUsageResetMonth != models.UsageMonth(now) {
		return 0
	}
	return user.ScrapeJobsThisMonth
}

func tierOrPro(tier string) string {
	if tier == "" || tier == models.TierFree {
		return models.TierPro
	}
	return tier
}
