package services

import (
	"context"
	"errors"

	"brandpool/internal/metrics"
	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/rs/zerolog/log"
)

type UsageResult struct {
	RemainingJobs int    `json:"remainingJobs"`
	MonthlyLimit  int    `json:"monthlyLimit"`
	UsedThisMonth int    `json:"scrapeJobsThisMonth"`
	Override      string `json:"override,omitempty"`
}

// IncrementUsage 在单个事务内完成额度检查与计数写入。
// 月份变化时计数直接置为 1；测试码或品牌共享订阅可越过额度。
func (s *Service) IncrementUsage(ctx context.Context, userID string) (UsageResult, error) {
	if userID == "" {
		return UsageResult{}, ErrUnauthorized
	}

	var out UsageResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return mapNotFound(err)
		}
		now := s.clock()
		month := models.UsageMonth(now)
		rolledOver := user.LastUsageResetMonth != month
		current := user.ScrapeJobsThisMonth
		if rolledOver {
			current = 0
		}

		tier := models.TierFree
		if user.HasPaidSubscription() {
			tier = models.TierPro
		}
		override := ""
		switch {
		case user.TesterAccessActive(now):
			override = SourceTester
		case tier == models.TierFree:
			// 事务内只能串行读取
			if _, ok := s.pooledSubscriber(ctx, tx, user, 1); ok {
				override = SourcePooled
				tier = models.TierPro
			}
		}
		limit := s.monthlyLimit(tier)

		if current >= limit && override == "" {
			out = UsageResult{RemainingJobs: 0, MonthlyLimit: limit, UsedThisMonth: current}
			return ErrQuotaExceeded
		}

		if rolledOver {
			user.ScrapeJobsThisMonth = 1
			user.LastUsageResetMonth = month
		} else {
			user.ScrapeJobsThisMonth = current + 1
		}
		user.LifetimeJobs++
		user.UpdatedAt = now
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		out = UsageResult{
			RemainingJobs: maxInt(0, limit-user.ScrapeJobsThisMonth),
			MonthlyLimit:  limit,
			UsedThisMonth: user.ScrapeJobsThisMonth,
			Override:      override,
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		metrics.UsageIncrements.WithLabelValues("quota_exceeded").Inc()
		log.Info().Str("user_id", userID).Int("monthly_limit", out.MonthlyLimit).Msg("usage quota exceeded")
		return out, err
	case err != nil:
		metrics.UsageIncrements.WithLabelValues("error").Inc()
		return UsageResult{}, err
	}
	metrics.UsageIncrements.WithLabelValues("ok").Inc()
	return out, nil
}
