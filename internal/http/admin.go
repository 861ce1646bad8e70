package httpapi

import (
	"net/http"
	"time"

	"brandpool/internal/services"

	"github.com/go-chi/chi/v5"
)

// ========== 管理员接口 Handlers ==========

type createTesterCodeRequest struct {
	Code               string     `json:"code" validate:"omitempty,alphanum,max=64"`
	MaxRedemptions     int        `json:"maxRedemptions" validate:"min=-1"`
	ValidFrom          *time.Time `json:"validFrom"`
	ValidUntil         *time.Time `json:"validUntil"`
	AccessDurationDays int        `json:"accessDurationDays" validate:"required,min=1,max=3650"`
}

func (s *Server) handleAdminCreateTesterCode(w http.ResponseWriter, r *http.Request) {
	var req createTesterCodeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	tc, err := s.svc.CreateTesterCode(r.Context(), services.CreateTesterCodeInput{
		Code:               req.Code,
		MaxRedemptions:     req.MaxRedemptions,
		ValidFrom:          req.ValidFrom,
		ValidUntil:         req.ValidUntil,
		AccessDurationDays: req.AccessDurationDays,
		CreatedBy:          getUserIDFromContext(r.Context()),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleAdminListTesterCodes(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	codes, err := s.svc.ListTesterCodes(r.Context(), page, pageSize)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"codes":     codes,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleAdminDeactivateTesterCode(w http.ResponseWriter, r *http.Request) {
	tc, err := s.svc.DeactivateTesterCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tc)
}

func (s *Server) handleAdminGetEntitlement(w http.ResponseWriter, r *http.Request) {
	ent, err := s.svc.ComputeEntitlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ent)
}
