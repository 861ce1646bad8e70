package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"brandpool/internal/config"
	"brandpool/internal/models"
	"brandpool/internal/store"
	"brandpool/internal/store/sqlite"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.Config {
	return config.Config{
		StoreDriver:           config.StoreDriverSQLite,
		AppBaseURL:            "https://app.example.com/",
		FreeMonthlyLimit:      0,
		ProMonthlyLimit:       100,
		MemberFanout:          4,
		InviteDefaultTTLHours: 72,
		InviteMaxTTLHours:     720,
		InviteMaxUses:         10,
		StripeWebhookSecret:   "whsec_test",
	}
}

type fixture struct {
	svc   *Service
	store *sqlite.Store
	clock *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig(), opts...)
}

func newFixtureWithConfig(t *testing.T, cfg config.Config, opts ...Option) *fixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{svc: New(st, cfg, opts...), store: st, clock: clock}
}

// putUser 直接写入用户记录，用于构造订阅与额度状态
func (f *fixture) putUser(t *testing.T, u models.User) {
	t.Helper()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = f.clock.Now()
		u.UpdatedAt = u.CreatedAt
	}
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = models.SubscriptionNone
	}
	if u.SubscriptionTier == "" {
		u.SubscriptionTier = models.TierFree
	}
	require.NoError(t, f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertUser(ctx, u)
	}))
}

func (f *fixture) user(t *testing.T, id string) models.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

// brandWith 创建品牌，第一个用户为创建者，其余用户直接加入
func (f *fixture) brandWith(t *testing.T, name string, userIDs ...string) models.Brand {
	t.Helper()
	ctx := context.Background()
	brand, err := f.svc.CreateBrand(ctx, userIDs[0], name, Profile{})
	require.NoError(t, err)
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range userIDs[1:] {
			u, err := loadOrNewUser(ctx, tx, id, f.clock.Now())
			if err != nil {
				return err
			}
			if err := tx.UpsertUser(ctx, u); err != nil {
				return err
			}
			if err := tx.AddMember(ctx, brand.ID, id, f.clock.Now()); err != nil {
				return err
			}
		}
		return nil
	}))
	return brand
}
