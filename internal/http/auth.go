package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"brandpool/internal/auth"
	"brandpool/internal/services"
)

type contextKey string

const (
	contextKeyUserID contextKey = "user_id"
	contextKeyEmail  contextKey = "email"
	contextKeyRole   contextKey = "role"
)

// jwtMiddleware JWT 验证中间件
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}

		claims, err := s.signer.Parse(parts[1])
		if errors.Is(err, auth.ErrNotConfigured) {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, contextKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, contextKeyEmail, claims.Email)
		ctx = context.WithValue(ctx, contextKeyRole, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware 管理员权限验证中间件
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getRoleFromContext(r.Context()) != auth.RoleAdmin {
			respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getUserIDFromContext 从 context 获取当前用户 ID
func getUserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		return userID
	}
	return ""
}

func getEmailFromContext(ctx context.Context) string {
	if email, ok := ctx.Value(contextKeyEmail).(string); ok {
		return email
	}
	return ""
}

func getRoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(contextKeyRole).(string); ok {
		return role
	}
	return ""
}

// profileFromContext 身份提供方签发的资料，用于首次创建用户记录
func profileFromContext(ctx context.Context) services.Profile {
	return services.Profile{Email: getEmailFromContext(ctx)}
}
