package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                     TEXT PRIMARY KEY,
	email                  TEXT NOT NULL DEFAULT '',
	display_name           TEXT NOT NULL DEFAULT '',
	subscription_status    TEXT NOT NULL DEFAULT 'none',
	subscription_tier      TEXT NOT NULL DEFAULT 'free',
	subscription_id        TEXT NOT NULL DEFAULT '',
	subscription_end_date  INTEGER,
	billing_customer_id    TEXT NOT NULL DEFAULT '',
	scrape_jobs_this_month INTEGER NOT NULL DEFAULT 0 CHECK (scrape_jobs_this_month >= 0),
	last_usage_reset_month TEXT NOT NULL DEFAULT '',
	lifetime_jobs          INTEGER NOT NULL DEFAULT 0,
	has_tester_access      INTEGER NOT NULL DEFAULT 0,
	tester_access_expiry   INTEGER,
	first_payment_date     INTEGER,
	total_revenue_cents    INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_users_billing_customer_id ON users(billing_customer_id) WHERE billing_customer_id <> '';

CREATE TABLE IF NOT EXISTS brands (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS brand_members (
	user_id   TEXT PRIMARY KEY,
	brand_id  TEXT NOT NULL REFERENCES brands(id),
	joined_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_brand_members_brand_id ON brand_members(brand_id);

CREATE TABLE IF NOT EXISTS invites (
	token      TEXT PRIMARY KEY,
	brand_id   TEXT NOT NULL REFERENCES brands(id),
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	max_uses   INTEGER NOT NULL CHECK (max_uses >= 1)
);
CREATE INDEX IF NOT EXISTS idx_invites_brand_id ON invites(brand_id);

CREATE TABLE IF NOT EXISTS invite_redemptions (
	token       TEXT NOT NULL REFERENCES invites(token),
	user_id     TEXT NOT NULL,
	redeemed_at INTEGER NOT NULL,
	PRIMARY KEY (token, user_id)
);

CREATE TABLE IF NOT EXISTS tester_codes (
	code                 TEXT PRIMARY KEY,
	is_active            INTEGER NOT NULL DEFAULT 1,
	max_redemptions      INTEGER NOT NULL,
	current_redemptions  INTEGER NOT NULL DEFAULT 0,
	valid_from           INTEGER NOT NULL,
	valid_until          INTEGER,
	access_duration_days INTEGER NOT NULL,
	created_by           TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL,
	CHECK (max_redemptions = -1 OR current_redemptions <= max_redemptions)
);

CREATE TABLE IF NOT EXISTS tester_code_redemptions (
	id                TEXT PRIMARY KEY,
	code              TEXT NOT NULL REFERENCES tester_codes(code),
	user_id           TEXT NOT NULL,
	user_email        TEXT NOT NULL DEFAULT '',
	redeemed_at       INTEGER NOT NULL,
	access_expires_at INTEGER NOT NULL,
	UNIQUE (code, user_id)
);

CREATE TABLE IF NOT EXISTS processed_webhook_events (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL DEFAULT '',
	applied_at INTEGER NOT NULL
);
`
