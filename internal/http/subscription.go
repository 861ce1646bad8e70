package httpapi

import (
	"errors"
	"net/http"

	"brandpool/internal/services"
)

func (s *Server) handleCheckSubscription(w http.ResponseWriter, r *http.Request) {
	ent, err := s.svc.ComputeEntitlement(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

type quotaExceededResponse struct {
	Error         string `json:"error"`
	RemainingJobs int    `json:"remainingJobs"`
	MonthlyLimit  int    `json:"monthlyLimit"`
}

func (s *Server) handleIncrementUsage(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.IncrementUsage(r.Context(), getUserIDFromContext(r.Context()))
	if errors.Is(err, services.ErrQuotaExceeded) {
		respondJSON(w, http.StatusForbidden, quotaExceededResponse{
			Error:         err.Error(),
			RemainingJobs: 0,
			MonthlyLimit:  res.MonthlyLimit,
		})
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type checkoutRequest struct {
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	ctx := r.Context()
	url, err := s.svc.CreateCheckout(ctx, getUserIDFromContext(ctx), profileFromContext(ctx), req.SuccessURL, req.CancelURL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"required,url"`
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	url, err := s.svc.CreatePortal(r.Context(), getUserIDFromContext(r.Context()), req.ReturnURL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type validateTesterCodeRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// handleValidateTesterCode 兑换失败统一返回 400，存储故障返回 500
func (s *Server) handleValidateTesterCode(w http.ResponseWriter, r *http.Request) {
	var req validateTesterCodeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	ctx := r.Context()
	out, err := s.svc.RedeemTesterCode(ctx, req.Code, getUserIDFromContext(ctx), getEmailFromContext(ctx))
	if err != nil {
		switch statusFor(err) {
		case http.StatusUnauthorized, http.StatusInternalServerError:
			respondServiceError(w, r, err)
		default:
			respondError(w, http.StatusBadRequest, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, out)
}
