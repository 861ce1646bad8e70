package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"brandpool/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// decodeJSON 解析请求体并执行 validate 标签校验；空请求体视为零值
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body", services.ErrInvalidRequest)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidRequest, err)
	}
	return nil
}

// statusFor 将服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, services.ErrExpired), errors.Is(err, services.ErrRevoked), errors.Is(err, services.ErrExhausted):
		return http.StatusGone
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrSignatureInvalid),
		errors.Is(err, services.ErrInactive), errors.Is(err, services.ErrNotYetValid):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, services.ErrStripeNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("internal server error")
		respondError(w, status, errors.New("internal server error"))
		return
	}
	respondError(w, status, err)
}
