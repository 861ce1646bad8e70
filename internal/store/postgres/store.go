// Package postgres implements store.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"brandpool/internal/models"
	"brandpool/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	queries
	pool *pgxpool.Pool
}

// NewPool 建立连接池并确认数据库可达
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx)
	if err := fn(ctx, &tx{queries: queries{q: pgTx}}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const userColumns = `u.id, COALESCE(m.brand_id, ''), u.email, u.display_name, u.subscription_status,
	u.subscription_tier, u.subscription_id, u.subscription_end_date, u.billing_customer_id,
	u.scrape_jobs_this_month, u.last_usage_reset_month, u.lifetime_jobs, u.has_tester_access,
	u.tester_access_expiry, u.first_payment_date, u.total_revenue_cents, u.created_at, u.updated_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.BrandID, &u.Email, &u.DisplayName, &u.SubscriptionStatus,
		&u.SubscriptionTier, &u.SubscriptionID, &u.SubscriptionEndDate, &u.BillingCustomerID,
		&u.ScrapeJobsThisMonth, &u.LastUsageResetMonth, &u.LifetimeJobs, &u.HasTesterAccess,
		&u.TesterAccessExpiry, &u.FirstPaymentDate, &u.TotalRevenueCents, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, store.ErrNotFound
	}
	return u, err
}

func (q queries) getUser(ctx context.Context, userID string, lock bool) (models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users u LEFT JOIN brand_members m ON m.user_id = u.id
		WHERE u.id = $1`
	if lock {
		query += ` FOR UPDATE OF u`
	}
	return scanUser(q.q.QueryRow(ctx, query, userID))
}

func (q queries) getUserByCustomerID(ctx context.Context, customerID string, lock bool) (models.User, error) {
	if customerID == "" {
		return models.User{}, store.ErrNotFound
	}
	query := `SELECT ` + userColumns + `
		FROM users u LEFT JOIN brand_members m ON m.user_id = u.id
		WHERE u.billing_customer_id = $1`
	if lock {
		query += ` FOR UPDATE OF u`
	}
	return scanUser(q.q.QueryRow(ctx, query, customerID))
}

func (q queries) GetUser(ctx context.Context, userID string) (models.User, error) {
	return q.getUser(ctx, userID, false)
}

func (q queries) GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	return q.getUserByCustomerID(ctx, customerID, false)
}

func (q queries) GetBrand(ctx context.Context, brandID string) (models.Brand, error) {
	var b models.Brand
	err := q.q.QueryRow(ctx, `
		SELECT id, name, created_by, created_at FROM brands WHERE id = $1`, brandID,
	).Scan(&b.ID, &b.Name, &b.CreatedBy, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Brand{}, store.ErrNotFound
	}
	if err != nil {
		return models.Brand{}, err
	}
	b.MemberUserIDs, err = q.ListBrandMembers(ctx, brandID)
	if err != nil {
		return models.Brand{}, err
	}
	return b, nil
}

func (q queries) BrandOf(ctx context.Context, userID string) (string, error) {
	var brandID string
	err := q.q.QueryRow(ctx, `SELECT brand_id FROM brand_members WHERE user_id = $1`, userID).Scan(&brandID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return brandID, err
}

func (q queries) ListBrandMembers(ctx context.Context, brandID string) ([]string, error) {
	rows, err := q.q.Query(ctx, `
		SELECT user_id FROM brand_members WHERE brand_id = $1
		ORDER BY joined_at, user_id`, brandID)
	if err != nil {
		return nil, err
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

const inviteColumns = `i.token, i.brand_id, i.created_by, i.created_at, i.expires_at, i.status, i.max_uses,
	COALESCE((SELECT array_agg(r.user_id ORDER BY r.redeemed_at, r.user_id)
		FROM invite_redemptions r WHERE r.token = i.token), '{}')`

func scanInvite(row pgx.Row) (models.Invite, error) {
	var inv models.Invite
	err := row.Scan(&inv.Token, &inv.BrandID, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.Status, &inv.MaxUses, &inv.UsedBy)
	return inv, err
}

func (q queries) getInvite(ctx context.Context, token string, lock bool) (models.Invite, error) {
	if lock {
		var locked string
		err := q.q.QueryRow(ctx, `SELECT token FROM invites WHERE token = $1 FOR UPDATE`, token).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Invite{}, store.ErrNotFound
		}
		if err != nil {
			return models.Invite{}, err
		}
	}
	inv, err := scanInvite(q.q.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites i WHERE i.token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Invite{}, store.ErrNotFound
	}
	return inv, err
}

func (q queries) GetInvite(ctx context.Context, token string) (models.Invite, error) {
	return q.getInvite(ctx, token, false)
}

func (q queries) ListBrandInvites(ctx context.Context, brandID string) ([]models.Invite, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+inviteColumns+` FROM invites i WHERE i.brand_id = $1
		ORDER BY i.created_at DESC`, brandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	invites := []models.Invite{}
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

const testerCodeColumns = `code, is_active, max_redemptions, current_redemptions, valid_from,
	valid_until, access_duration_days, created_by, created_at`

func scanTesterCode(row pgx.Row) (models.TesterCode, error) {
	var c models.TesterCode
	err := row.Scan(&c.Code, &c.IsActive, &c.MaxRedemptions, &c.CurrentRedemptions, &c.ValidFrom,
		&c.ValidUntil, &c.AccessDurationDays, &c.CreatedBy, &c.CreatedAt)
	return c, err
}

func (q queries) getTesterCode(ctx context.Context, code string, lock bool) (models.TesterCode, error) {
	query := `SELECT ` + testerCodeColumns + ` FROM tester_codes WHERE code = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scanTesterCode(q.q.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TesterCode{}, store.ErrNotFound
	}
	if err != nil {
		return models.TesterCode{}, err
	}
	rows, err := q.q.Query(ctx, `
		SELECT id, code, user_id, user_email, redeemed_at, access_expires_at
		FROM tester_code_redemptions WHERE code = $1
		ORDER BY redeemed_at, id`, code)
	if err != nil {
		return models.TesterCode{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r models.TesterRedemption
		if err := rows.Scan(&r.ID, &r.Code, &r.UserID, &r.UserEmail, &r.RedeemedAt, &r.AccessExpiresAt); err != nil {
			return models.TesterCode{}, err
		}
		c.Redemptions = append(c.Redemptions, r)
	}
	return c, rows.Err()
}

func (q queries) GetTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	return q.getTesterCode(ctx, code, false)
}

func (q queries) ListTesterCodes(ctx context.Context, offset, limit int) ([]models.TesterCode, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+testerCodeColumns+` FROM tester_codes
		ORDER BY created_at DESC, code
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	codes := []models.TesterCode{}
	for rows.Next() {
		c, err := scanTesterCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

type tx struct {
	queries
}

func (t *tx) LockUser(ctx context.Context, userID string) (models.User, error) {
	return t.getUser(ctx, userID, true)
}

func (t *tx) LockUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	return t.getUserByCustomerID(ctx, customerID, true)
}

func (t *tx) LockInvite(ctx context.Context, token string) (models.Invite, error) {
	return t.getInvite(ctx, token, true)
}

func (t *tx) LockTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	return t.getTesterCode(ctx, code, true)
}

func (t *tx) UpsertUser(ctx context.Context, u models.User) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO users (id, email, display_name, subscription_status, subscription_tier, subscription_id,
			subscription_end_date, billing_customer_id, scrape_jobs_this_month, last_usage_reset_month,
			lifetime_jobs, has_tester_access, tester_access_expiry, first_payment_date, total_revenue_cents,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			subscription_status = EXCLUDED.subscription_status,
			subscription_tier = EXCLUDED.subscription_tier,
			subscription_id = EXCLUDED.subscription_id,
			subscription_end_date = EXCLUDED.subscription_end_date,
			billing_customer_id = EXCLUDED.billing_customer_id,
			scrape_jobs_this_month = EXCLUDED.scrape_jobs_this_month,
			last_usage_reset_month = EXCLUDED.last_usage_reset_month,
			lifetime_jobs = EXCLUDED.lifetime_jobs,
			has_tester_access = EXCLUDED.has_tester_access,
			tester_access_expiry = EXCLUDED.tester_access_expiry,
			first_payment_date = EXCLUDED.first_payment_date,
			total_revenue_cents = EXCLUDED.total_revenue_cents,
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Email, u.DisplayName, u.SubscriptionStatus, u.SubscriptionTier, u.SubscriptionID,
		u.SubscriptionEndDate, u.BillingCustomerID, u.ScrapeJobsThisMonth, u.LastUsageResetMonth,
		u.LifetimeJobs, u.HasTesterAccess, u.TesterAccessExpiry, u.FirstPaymentDate, u.TotalRevenueCents,
		u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) CreateBrand(ctx context.Context, b models.Brand) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO brands (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.Name, b.CreatedBy, b.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) AddMember(ctx context.Context, brandID, userID string, joinedAt time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO brand_members (user_id, brand_id, joined_at) VALUES ($1, $2, $3)`,
		userID, brandID, joinedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyMember
	}
	return err
}

func (t *tx) CreateInvite(ctx context.Context, inv models.Invite) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO invites (token, brand_id, created_by, created_at, expires_at, status, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.Token, inv.BrandID, inv.CreatedBy, inv.CreatedAt, inv.ExpiresAt, inv.Status, inv.MaxUses)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) RecordInviteUse(ctx context.Context, token, userID string, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO invite_redemptions (token, user_id, redeemed_at) VALUES ($1, $2, $3)`,
		token, userID, at)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) SetInviteStatus(ctx context.Context, token, status string) error {
	ct, err := t.q.Exec(ctx, `UPDATE invites SET status = $1 WHERE token = $2`, status, token)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) CreateTesterCode(ctx context.Context, c models.TesterCode) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO tester_codes (`+testerCodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.Code, c.IsActive, c.MaxRedemptions, c.CurrentRedemptions, c.ValidFrom,
		c.ValidUntil, c.AccessDurationDays, c.CreatedBy, c.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) SaveTesterCode(ctx context.Context, c models.TesterCode) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE tester_codes
		SET is_active = $1, max_redemptions = $2, current_redemptions = $3, valid_from = $4,
			valid_until = $5, access_duration_days = $6
		WHERE code = $7`,
		c.IsActive, c.MaxRedemptions, c.CurrentRedemptions, c.ValidFrom,
		c.ValidUntil, c.AccessDurationDays, c.Code)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) AppendTesterRedemption(ctx context.Context, r models.TesterRedemption) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO tester_code_redemptions (id, code, user_id, user_email, redeemed_at, access_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Code, r.UserID, r.UserEmail, r.RedeemedAt, r.AccessExpiresAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) MarkEventProcessed(ctx context.Context, e models.ProcessedWebhookEvent) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, e.EventID, e.EventType, e.AppliedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)
