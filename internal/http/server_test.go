package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"brandpool/internal/auth"
	"brandpool/internal/config"
	"brandpool/internal/models"
	"brandpool/internal/services"
	"brandpool/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

type testEnv struct {
	handler http.Handler
	signer  *auth.Signer
	svc     *services.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		StoreDriver:           config.StoreDriverSQLite,
		AppBaseURL:            "https://app.example.com",
		ProMonthlyLimit:       100,
		MemberFanout:          4,
		InviteDefaultTTLHours: 72,
		InviteMaxTTLHours:     720,
		InviteMaxUses:         10,
		StripeWebhookSecret:   "whsec_test",
	}
	svc := services.New(st, cfg)
	signer := auth.NewSigner("test-secret", "brandpool", time.Hour)
	return &testEnv{handler: NewServer(svc, signer).Routes(), signer: signer, svc: svc}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.signer.Issue(userID, userID+"@example.com", role)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/invites", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/subscription/check", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/tester-codes", env.token(t, "u1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInviteFlow(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1", "")

	rec := env.do(t, http.MethodPost, "/brands", u1, map[string]string{"name": "Acme"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	brand := decode[models.Brand](t, rec)

	rec = env.do(t, http.MethodPost, "/invites", u1, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode[services.CreatedInvite](t, rec)
	assert.Equal(t, brand.ID, inv.BrandID)
	assert.Equal(t, "https://app.example.com/invite/"+inv.Token, inv.InviteURL)

	rec = env.do(t, http.MethodGet, "/invites/"+inv.Token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.InviteActive, decode[services.InviteMetadata](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/invites/"+inv.Token, env.token(t, "u2", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, brand.ID, decode[services.RedeemedInvite](t, rec).BrandID)

	rec = env.do(t, http.MethodPost, "/invites/"+inv.Token, env.token(t, "u3", ""), nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = env.do(t, http.MethodGet, "/invites/"+inv.Token, "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, models.InviteRedeemedOut, decode[services.InviteMetadata](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/brands/me", env.token(t, "u2", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1", "u2"}, decode[models.Brand](t, rec).MemberUserIDs)

	rec = env.do(t, http.MethodGet, "/invites/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInviteConflictAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	a := env.token(t, "ua", "")
	b := env.token(t, "ub", "")
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/brands", a, map[string]string{"name": "A"}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/brands", b, map[string]string{"name": "B"}).Code)

	rec := env.do(t, http.MethodPost, "/invites", b, map[string]any{"maxUses": 5})
	require.Equal(t, http.StatusCreated, rec.Code)
	inv := decode[services.CreatedInvite](t, rec)

	rec = env.do(t, http.MethodPost, "/invites/"+inv.Token, a, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/invites/"+inv.Token, a, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/invites/"+inv.Token, b, nil).Code)
	assert.Equal(t, http.StatusGone, env.do(t, http.MethodPost, "/invites/"+inv.Token, env.token(t, "uc", ""), nil).Code)

	rec = env.do(t, http.MethodGet, "/brands/me/invites", b, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Invites []services.InviteView `json:"invites"`
	}](t, rec)
	require.Len(t, listed.Invites, 1)
	assert.Equal(t, models.InviteRevoked, listed.Invites[0].Status)
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1", "")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/brands", u1, map[string]string{"name": ""}).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/brands", u1, map[string]string{"name": "Acme"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/invites", u1, map[string]any{"maxUses": -3}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/invites", u1, map[string]any{"email": "nope"}).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/invites", env.token(t, "loner", ""), nil).Code)
}

func TestUsageAndEntitlementEndpoints(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1", "")
	admin := env.token(t, "root", auth.RoleAdmin)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/subscription/check", u1, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/users/me", u1, map[string]string{"displayName": "Ada"}).Code)

	rec := env.do(t, http.MethodGet, "/users/me", u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[models.User](t, rec)
	assert.Equal(t, "Ada", me.DisplayName)
	assert.Equal(t, "u1@example.com", me.Email)

	rec = env.do(t, http.MethodPost, "/subscription/increment-usage", u1, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), body["remainingJobs"])
	assert.NotEmpty(t, body["error"])

	rec = env.do(t, http.MethodPost, "/admin/tester-codes", admin, map[string]any{
		"code": "BETA", "maxRedemptions": 10, "accessDurationDays": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/tester-code/validate", u1, map[string]string{"code": "beta"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	redeemed := decode[services.TesterCodeRedemption](t, rec)
	assert.Equal(t, 30, redeemed.AccessDurationDays)

	rec = env.do(t, http.MethodPost, "/tester-code/validate", u1, map[string]string{"code": "MISSING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/subscription/check", u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ent := decode[services.Entitlement](t, rec)
	assert.True(t, ent.HasAccess)
	assert.True(t, ent.HasTesterAccess)

	rec = env.do(t, http.MethodPost, "/subscription/increment-usage", u1, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/users/u1/entitlement", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.SourceTester, decode[services.Entitlement](t, rec).Source)

	rec = env.do(t, http.MethodGet, "/admin/tester-codes?page=1&page_size=5", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Codes    []models.TesterCode `json:"codes"`
		PageSize int                 `json:"page_size"`
	}](t, rec)
	assert.Len(t, list.Codes, 1)
	assert.Equal(t, 5, list.PageSize)

	rec = env.do(t, http.MethodPost, "/admin/tester-codes/beta/deactivate", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.TesterCode](t, rec).IsActive)
}

func TestBillingEndpointsWithoutStripe(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.token(t, "u1", "")

	rec := env.do(t, http.MethodPost, "/subscription/checkout", u1, map[string]string{
		"successUrl": "https://app.example.com/ok", "cancelUrl": "https://app.example.com/cancel",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/subscription/portal", u1, map[string]string{"returnUrl": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.EnsureUser(context.Background(), "u1", services.Profile{})
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    services.EventCheckoutCompleted,
		"created": time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_1",
			"object":              "checkout.session",
			"client_reference_id": "u1",
			"customer":            "cus_1",
		}},
	})
	require.NoError(t, err)

	send := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		if header != "" {
			req.Header.Set("Stripe-Signature", header)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send("").Code)
	assert.Equal(t, http.StatusBadRequest, send("t=1,v1=deadbeef").Code)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test"})
	rec := send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, services.OutcomeApplied, body["outcome"])

	rec = send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.OutcomeDuplicate, decode[map[string]any](t, rec)["outcome"])

	user, err := env.svc.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", user.BillingCustomerID)
}

func TestParsePagination(t *testing.T) {
	q := url.Values{}
	q.Set("page", "3")
	q.Set("page_size", "500")
	req := &http.Request{URL: &url.URL{RawQuery: q.Encode()}}
	page, size := parsePagination(req)
	assert.Equal(t, 3, page)
	assert.Equal(t, 20, size)

	page, size = parsePagination(&http.Request{URL: &url.URL{}})
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, size)
}
