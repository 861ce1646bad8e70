package httpapi

import (
	"net/http"
)

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.GetUser(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

type updateMeRequest struct {
	DisplayName string `json:"displayName" validate:"omitempty,max=100"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// handleUpdateMe 创建或合并当前用户资料，订阅与额度字段不可由客户端修改
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	ctx := r.Context()
	profile := profileFromContext(ctx)
	if req.Email != "" {
		profile.Email = req.Email
	}
	profile.DisplayName = req.DisplayName
	user, err := s.svc.EnsureUser(ctx, getUserIDFromContext(ctx), profile)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}
