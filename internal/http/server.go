package httpapi

import (
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"brandpool/internal/auth"
	"brandpool/internal/metrics"
	"brandpool/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// maxWebhookBody Stripe 事件体上限
const maxWebhookBody = 65536

type Server struct {
	svc      *services.Service
	signer   *auth.Signer
	validate *validator.Validate
}

func NewServer(svc *services.Service, signer *auth.Signer) *Server {
	return &Server{svc: svc, signer: signer, validate: validator.New()}
}

// loggingRecoverer panic 恢复中间件，记录请求 ID 与堆栈
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				log.Error().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", rvr).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(corsMiddleware)

	// 公开接口
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/stripe", s.handleStripeWebhook)
	r.Get("/invites/{token}", s.handleGetInvite)

	// 需要认证的用户接口
	r.Group(func(r chi.Router) {
		r.Use(s.jwtMiddleware)

		r.Post("/invites", s.handleCreateInvite)
		r.Post("/invites/{token}", s.handleRedeemInvite)
		r.Delete("/invites/{token}", s.handleRevokeInvite)

		r.Post("/brands", s.handleCreateBrand)
		r.Get("/brands/me", s.handleGetMyBrand)
		r.Get("/brands/me/invites", s.handleListMyBrandInvites)

		r.Get("/users/me", s.handleGetMe)
		r.Put("/users/me", s.handleUpdateMe)

		r.Get("/subscription/check", s.handleCheckSubscription)
		r.Post("/subscription/increment-usage", s.handleIncrementUsage)
		r.Post("/subscription/checkout", s.handleCreateCheckout)
		r.Post("/subscription/portal", s.handleCreatePortal)

		r.Post("/tester-code/validate", s.handleValidateTesterCode)
	})

	// 管理员接口
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.jwtMiddleware)
		r.Use(s.adminMiddleware)

		r.Post("/tester-codes", s.handleAdminCreateTesterCode)
		r.Get("/tester-codes", s.handleAdminListTesterCodes)
		r.Post("/tester-codes/{code}/deactivate", s.handleAdminDeactivateTesterCode)
		r.Get("/users/{id}/entitlement", s.handleAdminGetEntitlement)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,Stripe-Signature")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed")
		respondError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.svc.VerifyStripeEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Warn().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("stripe webhook rejected")
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "rejected").Inc()
		respondServiceError(w, r, err)
		return
	}

	eventType := string(event.Type)
	outcome, err := s.svc.ApplyStripeEvent(r.Context(), event)
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "error").Inc()
		log.Error().Err(err).Str("event_id", event.ID).Str("type", eventType).Msg("stripe webhook processing failed")
		respondError(w, http.StatusInternalServerError, errors.New("webhook processing failed"))
		return
	}
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, outcome).Inc()
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 20

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if parsed, err := strconv.Atoi(ps); err == nil && parsed > 0 && parsed <= 100 {
			pageSize = parsed
		}
	}
	return page, pageSize
}
