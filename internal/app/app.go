// Package app wires the configured store, cache, billing and mail
// collaborators into a services.Service for both the server and brandctl.
package app

import (
	"context"
	"fmt"

	"brandpool/internal/cache"
	"brandpool/internal/config"
	"brandpool/internal/email"
	"brandpool/internal/services"
	"brandpool/internal/store"
	"brandpool/internal/store/postgres"
	"brandpool/internal/store/sqlite"

	"github.com/rs/zerolog/log"
)

// OpenStore 按 STORE_DRIVER 打开存储；migrate 为 true 时 postgres 先执行迁移
func OpenStore(ctx context.Context, cfg config.Config, migrate bool) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return st, nil
	case config.StoreDriverPostgres:
		if migrate {
			if err := postgres.Migrate(cfg.DatabaseURL, postgres.MigrateUp); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewService 组装服务；返回的 cleanup 关闭可选的外部连接
func NewService(ctx context.Context, cfg config.Config, st store.Store) (*services.Service, func(), error) {
	var opts []services.Option
	cleanup := func() {}

	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisMembership(ctx, cfg.RedisURL, cfg.MembershipCacheTTL)
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, services.WithMembershipCache(rc))
		cleanup = func() { _ = rc.Close() }
		log.Info().Dur("ttl", cfg.MembershipCacheTTL).Msg("redis membership cache enabled")
	}

	if cfg.StripeConfigured() {
		opts = append(opts, services.WithBilling(services.NewStripeBilling(cfg.StripeSecretKey, cfg.StripePricePro)))
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, checkout and portal are disabled")
	}

	mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.ResendFromEmail)
	if mailer.IsConfigured() {
		opts = append(opts, services.WithMailer(mailer))
	}

	return services.New(st, cfg, opts...), cleanup, nil
}
