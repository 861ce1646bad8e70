package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"brandpool/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) createCode(t *testing.T, in CreateTesterCodeInput) models.TesterCode {
	t.Helper()
	if in.AccessDurationDays == 0 {
		in.AccessDurationDays = 30
	}
	if in.MaxRedemptions == 0 {
		in.MaxRedemptions = models.UnlimitedRedemptions
	}
	tc, err := f.svc.CreateTesterCode(context.Background(), in)
	require.NoError(t, err)
	return tc
}

func TestRedeemTesterCodeGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCode(t, CreateTesterCodeInput{Code: "beta2025", AccessDurationDays: 14})

	res, err := f.svc.RedeemTesterCode(ctx, " beta2025 ", "u1", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 14), res.ExpiryDate)
	assert.Equal(t, 14, res.AccessDurationDays)
	assert.False(t, res.AlreadyRedeemed)

	u := f.user(t, "u1")
	assert.True(t, u.HasTesterAccess)
	require.NotNil(t, u.TesterAccessExpiry)
	assert.Equal(t, res.ExpiryDate, *u.TesterAccessExpiry)
	assert.Equal(t, "u1@example.com", u.Email)

	tc, err := f.svc.GetTesterCode(ctx, "BETA2025")
	require.NoError(t, err)
	assert.Equal(t, 1, tc.CurrentRedemptions)
	require.Len(t, tc.Redemptions, 1)
	assert.Equal(t, "u1", tc.Redemptions[0].UserID)
}

func TestRedeemTesterCodeTwiceKeepsOriginalExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCode(t, CreateTesterCodeInput{Code: "BETA", AccessDurationDays: 7})

	first, err := f.svc.RedeemTesterCode(ctx, "BETA", "u1", "")
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	second, err := f.svc.RedeemTesterCode(ctx, "beta", "u1", "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyRedeemed)
	assert.Equal(t, first.ExpiryDate, second.ExpiryDate)

	tc, err := f.svc.GetTesterCode(ctx, "BETA")
	require.NoError(t, err)
	assert.Equal(t, 1, tc.CurrentRedemptions)
	assert.Len(t, tc.Redemptions, 1)
	assert.Equal(t, first.ExpiryDate, *f.user(t, "u1").TesterAccessExpiry)
}

func TestRedeemTesterCodeConcurrentRespectsMax(t *testing.T) {
	f := newFixture(t)
	f.createCode(t, CreateTesterCodeInput{Code: "LIMITED", MaxRedemptions: 2})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RedeemTesterCode(context.Background(), "LIMITED", fmt.Sprintf("user-%d", i), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrExhausted):
				exhausted++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 8, exhausted)
	tc, err := f.svc.GetTesterCode(context.Background(), "LIMITED")
	require.NoError(t, err)
	assert.Equal(t, 2, tc.CurrentRedemptions)
	assert.Len(t, tc.Redemptions, 2)
}

func TestRedeemTesterCodeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	later := now.Add(48 * time.Hour)
	soon := now.Add(time.Hour)

	f.createCode(t, CreateTesterCodeInput{Code: "FUTURE", ValidFrom: &later})
	f.createCode(t, CreateTesterCodeInput{Code: "SHORT", ValidUntil: &soon})
	f.createCode(t, CreateTesterCodeInput{Code: "OFF"})
	f.createCode(t, CreateTesterCodeInput{Code: "ONCE", MaxRedemptions: 1})
	_, err := f.svc.DeactivateTesterCode(ctx, "off")
	require.NoError(t, err)
	_, err = f.svc.RedeemTesterCode(ctx, "ONCE", "first", "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	cases := []struct {
		code string
		want error
	}{
		{"NOPE", ErrNotFound},
		{"OFF", ErrInactive},
		{"FUTURE", ErrNotYetValid},
		{"SHORT", ErrExpired},
		{"ONCE", ErrExhausted},
		{"   ", ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			_, err := f.svc.RedeemTesterCode(ctx, tc.code, "u1", "")
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err = f.store.GetUser(ctx, "u1")
	assert.Error(t, err, "rejected redemptions must not create the user")
}

func TestRedeemTesterCodeKeepsLongerExistingAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCode(t, CreateTesterCodeInput{Code: "LONG", AccessDurationDays: 90})
	f.createCode(t, CreateTesterCodeInput{Code: "SHORT", AccessDurationDays: 7})

	long, err := f.svc.RedeemTesterCode(ctx, "LONG", "u1", "")
	require.NoError(t, err)
	short, err := f.svc.RedeemTesterCode(ctx, "SHORT", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, long.ExpiryDate, short.ExpiryDate)
	assert.Equal(t, long.ExpiryDate, *f.user(t, "u1").TesterAccessExpiry)
}

func TestCreateTesterCodeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tc, err := f.svc.CreateTesterCode(ctx, CreateTesterCodeInput{MaxRedemptions: 5, AccessDurationDays: 30, CreatedBy: "admin"})
	require.NoError(t, err)
	assert.Len(t, tc.Code, 10)
	assert.Equal(t, NormalizeCode(tc.Code), tc.Code)
	assert.True(t, tc.IsActive)
	assert.Equal(t, f.clock.Now(), tc.ValidFrom)

	_, err = f.svc.CreateTesterCode(ctx, CreateTesterCodeInput{Code: tc.Code, MaxRedemptions: 5, AccessDurationDays: 30})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	_, err = f.svc.CreateTesterCode(ctx, CreateTesterCodeInput{Code: "X", MaxRedemptions: 5})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.CreateTesterCode(ctx, CreateTesterCodeInput{Code: "X", MaxRedemptions: -2, AccessDurationDays: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	past := f.clock.Now().Add(-time.Hour)
	_, err = f.svc.CreateTesterCode(ctx, CreateTesterCodeInput{Code: "X", MaxRedemptions: 1, AccessDurationDays: 1, ValidUntil: &past})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListAndDeactivateTesterCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, code := range []string{"A1", "B2", "C3"} {
		f.createCode(t, CreateTesterCodeInput{Code: code})
		f.clock.Advance(time.Minute)
	}

	all, err := f.svc.ListTesterCodes(ctx, 1, 20)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := f.svc.ListTesterCodes(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	tc, err := f.svc.DeactivateTesterCode(ctx, "b2")
	require.NoError(t, err)
	assert.False(t, tc.IsActive)
	_, err = f.svc.DeactivateTesterCode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
