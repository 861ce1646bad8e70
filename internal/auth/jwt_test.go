package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	s := NewSigner("secret", "brandpool", time.Hour)
	token, err := s.Issue("u1", "u1@example.com", "")
	require.NoError(t, err)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.Equal(t, RoleUser, claims.Role)
}

func TestParseRejectsForeignTokens(t *testing.T) {
	s := NewSigner("secret", "brandpool", time.Hour)
	other := NewSigner("other-secret", "brandpool", time.Hour)
	token, err := other.Issue("u1", "", RoleAdmin)
	require.NoError(t, err)
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewSigner("secret", "someone-else", time.Hour)
	token, err = wrongIssuer.Issue("u1", "", RoleUser)
	require.NoError(t, err)
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpired(t *testing.T) {
	s := NewSigner("secret", "brandpool", time.Minute)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := s.Issue("u1", "", RoleUser)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUnconfiguredSigner(t *testing.T) {
	s := NewSigner("", "brandpool", time.Hour)
	_, err := s.Issue("u1", "", RoleUser)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Parse("x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
