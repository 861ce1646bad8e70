// Package auth issues and verifies the HS256 bearer tokens the HTTP API
// accepts. Identity comes from an external provider; the token only carries
// the verified user id, email and role.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrNotConfigured = errors.New("JWT secret key not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

func NewSigner(secret, issuer string, expiry time.Duration) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, expiry: expiry, now: time.Now}
}

// Issue 生成 JWT Token
func (s *Signer) Issue(userID, email, role string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNotConfigured
	}
	if userID == "" {
		return "", errors.New("user id required")
	}
	if role == "" {
		role = RoleUser
	}
	now := s.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse 校验签名、过期时间与签发方
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrNotConfigured
	}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
