package httpapi

import (
	"net/http"

	"brandpool/internal/models"
	"brandpool/internal/services"

	"github.com/go-chi/chi/v5"
)

type createInviteRequest struct {
	BrandID        string `json:"brandId" validate:"omitempty,max=64"`
	MaxUses        int    `json:"maxUses" validate:"omitempty,min=1"`
	ExpiresInHours int    `json:"expiresInHours" validate:"omitempty,min=1"`
	Email          string `json:"email" validate:"omitempty,email"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	inv, err := s.svc.CreateInvite(r.Context(), getUserIDFromContext(r.Context()), services.CreateInviteInput{
		BrandID:        req.BrandID,
		MaxUses:        req.MaxUses,
		ExpiresInHours: req.ExpiresInHours,
		Email:          req.Email,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, inv)
}

// handleGetInvite 公开接口：非 active 状态返回 410，响应体相同
func (s *Server) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	meta, err := s.svc.GetInviteMetadata(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if meta.Status != models.InviteActive {
		status = http.StatusGone
	}
	respondJSON(w, status, meta)
}

func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out, err := s.svc.RedeemInvite(ctx, chi.URLParam(r, "token"), getUserIDFromContext(ctx), profileFromContext(ctx))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RevokeInvite(r.Context(), getUserIDFromContext(r.Context()), chi.URLParam(r, "token")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBrandRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *Server) handleCreateBrand(w http.ResponseWriter, r *http.Request) {
	var req createBrandRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	ctx := r.Context()
	brand, err := s.svc.CreateBrand(ctx, getUserIDFromContext(ctx), req.Name, profileFromContext(ctx))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, brand)
}

func (s *Server) handleGetMyBrand(w http.ResponseWriter, r *http.Request) {
	brand, err := s.svc.GetMyBrand(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, brand)
}

func (s *Server) handleListMyBrandInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.svc.ListMyBrandInvites(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"invites": invites})
}
