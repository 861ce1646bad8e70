// Package store defines the MembershipStore contract shared by the Postgres
// and SQLite backends.
//
// Brand membership is a single relation (user_id unique, brand_id indexed).
// models.User.BrandID and models.Brand.MemberUserIDs are projections of it and
// are never written directly.
package store

import (
	"context"
	"errors"
	"time"

	"brandpool/internal/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyMember = errors.New("store: user already belongs to a brand")
	ErrDuplicate     = errors.New("store: duplicate key")
)

// Reader is satisfied by both Store and Tx so read-only aggregates can run
// inside or outside a transaction.
type Reader interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (models.User, error)
	GetBrand(ctx context.Context, brandID string) (models.Brand, error)
	// BrandOf returns "" when the user has no membership.
	BrandOf(ctx context.Context, userID string) (string, error)
	ListBrandMembers(ctx context.Context, brandID string) ([]string, error)
	GetInvite(ctx context.Context, token string) (models.Invite, error)
	ListBrandInvites(ctx context.Context, brandID string) ([]models.Invite, error)
	GetTesterCode(ctx context.Context, code string) (models.TesterCode, error)
	ListTesterCodes(ctx context.Context, offset, limit int) ([]models.TesterCode, error)
}

// Tx is a single ACID unit of work. Lock* methods take row locks where the
// backend supports them; the SQLite backend serializes whole transactions.
type Tx interface {
	Reader

	LockUser(ctx context.Context, userID string) (models.User, error)
	LockUserByCustomerID(ctx context.Context, customerID string) (models.User, error)
	LockInvite(ctx context.Context, token string) (models.Invite, error)
	LockTesterCode(ctx context.Context, code string) (models.TesterCode, error)

	UpsertUser(ctx context.Context, user models.User) error
	CreateBrand(ctx context.Context, brand models.Brand) error
	AddMember(ctx context.Context, brandID, userID string, joinedAt time.Time) error

	CreateInvite(ctx context.Context, invite models.Invite) error
	RecordInviteUse(ctx context.Context, token, userID string, at time.Time) error
	SetInviteStatus(ctx context.Context, token, status string) error

	CreateTesterCode(ctx context.Context, code models.TesterCode) error
	SaveTesterCode(ctx context.Context, code models.TesterCode) error
	AppendTesterRedemption(ctx context.Context, redemption models.TesterRedemption) error

	// MarkEventProcessed inserts into the webhook ledger and reports whether
	// the row is new. A false result means the event was already applied.
	MarkEventProcessed(ctx context.Context, event models.ProcessedWebhookEvent) (bool, error)
}

type Store interface {
	Reader

	// InTx runs fn in one transaction. Any error from fn rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
