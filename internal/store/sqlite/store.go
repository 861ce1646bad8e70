// Package sqlite implements store.Store on a single-file SQLite database.
//
// The pool is pinned to one connection and every transaction begins
// IMMEDIATE, so transactions are fully serialized. Code running inside InTx
// must only read through the Tx it was handed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"brandpool/internal/models"
	"brandpool/internal/store"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Store struct {
	queries
	db *sql.DB
}

// Open 打开（或创建）数据库文件并初始化表结构
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{queries: queries{q: db}, db: db}, nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()
	if err := fn(ctx, &tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const userColumns = `u.id, COALESCE(m.brand_id, ''), u.email, u.display_name, u.subscription_status,
	u.subscription_tier, u.subscription_id, u.subscription_end_date, u.billing_customer_id,
	u.scrape_jobs_this_month, u.last_usage_reset_month, u.lifetime_jobs, u.has_tester_access,
	u.tester_access_expiry, u.first_payment_date, u.total_revenue_cents, u.created_at, u.updated_at`

func scanUser(row *sql.Row) (models.User, error) {
	var (
		u                               models.User
		endDate, testerExpiry, firstPay sql.NullInt64
		createdAt, updatedAt            int64
	)
	err := row.Scan(&u.ID, &u.BrandID, &u.Email, &u.DisplayName, &u.SubscriptionStatus,
		&u.SubscriptionTier, &u.SubscriptionID, &endDate, &u.BillingCustomerID,
		&u.ScrapeJobsThisMonth, &u.LastUsageResetMonth, &u.LifetimeJobs, &u.HasTesterAccess,
		&testerExpiry, &firstPay, &u.TotalRevenueCents, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, store.ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.SubscriptionEndDate = fromNullMillis(endDate)
	u.TesterAccessExpiry = fromNullMillis(testerExpiry)
	u.FirstPaymentDate = fromNullMillis(firstPay)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

func (q queries) GetUser(ctx context.Context, userID string) (models.User, error) {
	return scanUser(q.q.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u LEFT JOIN brand_members m ON m.user_id = u.id
		WHERE u.id = ?`, userID))
}

func (q queries) GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	if customerID == "" {
		return models.User{}, store.ErrNotFound
	}
	return scanUser(q.q.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u LEFT JOIN brand_members m ON m.user_id = u.id
		WHERE u.billing_customer_id = ?`, customerID))
}

func (q queries) GetBrand(ctx context.Context, brandID string) (models.Brand, error) {
	var (
		b         models.Brand
		createdAt int64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at FROM brands WHERE id = ?`, brandID,
	).Scan(&b.ID, &b.Name, &b.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Brand{}, store.ErrNotFound
	}
	if err != nil {
		return models.Brand{}, err
	}
	b.CreatedAt = fromMillis(createdAt)
	b.MemberUserIDs, err = q.ListBrandMembers(ctx, brandID)
	if err != nil {
		return models.Brand{}, err
	}
	return b, nil
}

func (q queries) BrandOf(ctx context.Context, userID string) (string, error) {
	var brandID string
	err := q.q.QueryRowContext(ctx, `SELECT brand_id FROM brand_members WHERE user_id = ?`, userID).Scan(&brandID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return brandID, err
}

func (q queries) ListBrandMembers(ctx context.Context, brandID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id FROM brand_members WHERE brand_id = ?
		ORDER BY joined_at, rowid`, brandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

const inviteColumns = `token, brand_id, created_by, created_at, expires_at, status, max_uses`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (models.Invite, error) {
	var (
		inv                  models.Invite
		createdAt, expiresAt int64
	)
	if err := row.Scan(&inv.Token, &inv.BrandID, &inv.CreatedBy, &createdAt, &expiresAt, &inv.Status, &inv.MaxUses); err != nil {
		return models.Invite{}, err
	}
	inv.CreatedAt = fromMillis(createdAt)
	inv.ExpiresAt = fromMillis(expiresAt)
	return inv, nil
}

func (q queries) GetInvite(ctx context.Context, token string) (models.Invite, error) {
	inv, err := scanInvite(q.q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invite{}, store.ErrNotFound
	}
	if err != nil {
		return models.Invite{}, err
	}
	inv.UsedBy, err = q.inviteUsers(ctx, token)
	if err != nil {
		return models.Invite{}, err
	}
	return inv, nil
}

func (q queries) inviteUsers(ctx context.Context, token string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id FROM invite_redemptions WHERE token = ?
		ORDER BY redeemed_at, rowid`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (q queries) ListBrandInvites(ctx context.Context, brandID string) ([]models.Invite, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM invites WHERE brand_id = ?
		ORDER BY created_at DESC`, brandID)
	if err != nil {
		return nil, err
	}
	invites := []models.Invite{}
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invites = append(invites, inv)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 单连接：必须先关闭 rows 再查询兑换记录
	for i := range invites {
		invites[i].UsedBy, err = q.inviteUsers(ctx, invites[i].Token)
		if err != nil {
			return nil, err
		}
	}
	return invites, nil
}

const testerCodeColumns = `code, is_active, max_redemptions, current_redemptions, valid_from,
	valid_until, access_duration_days, created_by, created_at`

func scanTesterCode(row rowScanner) (models.TesterCode, error) {
	var (
		c                    models.TesterCode
		validFrom, createdAt int64
		validUntil           sql.NullInt64
	)
	if err := row.Scan(&c.Code, &c.IsActive, &c.MaxRedemptions, &c.CurrentRedemptions, &validFrom,
		&validUntil, &c.AccessDurationDays, &c.CreatedBy, &createdAt); err != nil {
		return models.TesterCode{}, err
	}
	c.ValidFrom = fromMillis(validFrom)
	c.ValidUntil = fromNullMillis(validUntil)
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

func (q queries) GetTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	c, err := scanTesterCode(q.q.QueryRowContext(ctx, `SELECT `+testerCodeColumns+` FROM tester_codes WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TesterCode{}, store.ErrNotFound
	}
	if err != nil {
		return models.TesterCode{}, err
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, code, user_id, user_email, redeemed_at, access_expires_at
		FROM tester_code_redemptions WHERE code = ?
		ORDER BY redeemed_at, id`, code)
	if err != nil {
		return models.TesterCode{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                     models.TesterRedemption
			redeemedAt, expiresAt int64
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.UserID, &r.UserEmail, &redeemedAt, &expiresAt); err != nil {
			return models.TesterCode{}, err
		}
		r.RedeemedAt = fromMillis(redeemedAt)
		r.AccessExpiresAt = fromMillis(expiresAt)
		c.Redemptions = append(c.Redemptions, r)
	}
	return c, rows.Err()
}

func (q queries) ListTesterCodes(ctx context.Context, offset, limit int) ([]models.TesterCode, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+testerCodeColumns+` FROM tester_codes
		ORDER BY created_at DESC, code
		LIMIT ? OFFSET ?`, limit, offset)
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
	return t.GetUser(ctx, userID)
}

func (t *tx) LockUserByCustomerID(ctx context.Context, customerID string) (models.User, error) {
	return t.GetUserByCustomerID(ctx, customerID)
}

func (t *tx) LockInvite(ctx context.Context, token string) (models.Invite, error) {
	return t.GetInvite(ctx, token)
}

func (t *tx) LockTesterCode(ctx context.Context, code string) (models.TesterCode, error) {
	return t.GetTesterCode(ctx, code)
}

func (t *tx) UpsertUser(ctx context.Context, u models.User) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, subscription_status, subscription_tier, subscription_id,
			subscription_end_date, billing_customer_id, scrape_jobs_this_month, last_usage_reset_month,
			lifetime_jobs, has_tester_access, tester_access_expiry, first_payment_date, total_revenue_cents,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			subscription_status = excluded.subscription_status,
			subscription_tier = excluded.subscription_tier,
			subscription_id = excluded.subscription_id,
			subscription_end_date = excluded.subscription_end_date,
			billing_customer_id = excluded.billing_customer_id,
			scrape_jobs_this_month = excluded.scrape_jobs_this_month,
			last_usage_reset_month = excluded.last_usage_reset_month,
			lifetime_jobs = excluded.lifetime_jobs,
			has_tester_access = excluded.has_tester_access,
			tester_access_expiry = excluded.tester_access_expiry,
			first_payment_date = excluded.first_payment_date,
			total_revenue_cents = excluded.total_revenue_cents,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.DisplayName, u.SubscriptionStatus, u.SubscriptionTier, u.SubscriptionID,
		toNullMillis(u.SubscriptionEndDate), u.BillingCustomerID, u.ScrapeJobsThisMonth, u.LastUsageResetMonth,
		u.LifetimeJobs, u.HasTesterAccess, toNullMillis(u.TesterAccessExpiry), toNullMillis(u.FirstPaymentDate),
		u.TotalRevenueCents, toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) CreateBrand(ctx context.Context, b models.Brand) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO brands (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, b.CreatedBy, toMillis(b.CreatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) AddMember(ctx context.Context, brandID, userID string, joinedAt time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO brand_members (user_id, brand_id, joined_at) VALUES (?, ?, ?)`,
		userID, brandID, toMillis(joinedAt))
	if isUniqueViolation(err) {
		return store.ErrAlreadyMember
	}
	return err
}

func (t *tx) CreateInvite(ctx context.Context, inv models.Invite) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO invites (`+inviteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.Token, inv.BrandID, inv.CreatedBy, toMillis(inv.CreatedAt), toMillis(inv.ExpiresAt), inv.Status, inv.MaxUses)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) RecordInviteUse(ctx context.Context, token, userID string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO invite_redemptions (token, user_id, redeemed_at) VALUES (?, ?, ?)`,
		token, userID, toMillis(at))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) SetInviteStatus(ctx context.Context, token, status string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE invites SET status = ? WHERE token = ?`, status, token)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *tx) CreateTesterCode(ctx context.Context, c models.TesterCode) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO tester_codes (`+testerCodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.IsActive, c.MaxRedemptions, c.CurrentRedemptions, toMillis(c.ValidFrom),
		toNullMillis(c.ValidUntil), c.AccessDurationDays, c.CreatedBy, toMillis(c.CreatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) SaveTesterCode(ctx context.Context, c models.TesterCode) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE tester_codes
		SET is_active = ?, max_redemptions = ?, current_redemptions = ?, valid_from = ?,
			valid_until = ?, access_duration_days = ?
		WHERE code = ?`,
		c.IsActive, c.MaxRedemptions, c.CurrentRedemptions, toMillis(c.ValidFrom),
		toNullMillis(c.ValidUntil), c.AccessDurationDays, c.Code)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *tx) AppendTesterRedemption(ctx context.Context, r models.TesterRedemption) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO tester_code_redemptions (id, code, user_id, user_email, redeemed_at, access_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Code, r.UserID, r.UserEmail, toMillis(r.RedeemedAt), toMillis(r.AccessExpiresAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *tx) MarkEventProcessed(ctx context.Context, e models.ProcessedWebhookEvent) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, event_type, applied_at) VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, toMillis(e.AppliedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)
