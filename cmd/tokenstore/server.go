package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/internal/httpx"
	logpkg "github.com/tunaaoguzhann/paygate/internal/logger"
	"github.com/tunaaoguzhann/paygate/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type server struct {
	manager   *core.Manager
	health    pinger
	jwtSecret string
	logger    *zap.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	// The calculator forwards each buyer's address, so rate limits are per buyer.
	r.Use(chiMiddleware.RealIP)
	r.Use(httpx.JSONRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.WideEvent(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/validate-token", s.handleValidate)
	r.Post("/consume-token", s.handleConsume)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/tokens", func(admin chi.Router) {
		admin.Use(httpx.BearerAuth(s.jwtSecret))
		admin.Post("/", s.handleIssue)
		admin.Post("/renew", s.handleRenew)
		admin.Get("/history", s.handleHistory)
	})
	return r
}

// statusFor maps a refusal onto the HTTP status the consume endpoint answers with.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindInvalidToken:
		return http.StatusNotFound
	case core.KindExpiredToken:
		return http.StatusGone
	case core.KindExhaustedToken, core.KindAlreadyConsumed:
		return http.StatusConflict
	case core.KindInvalidInput, core.KindUnauthorized:
		return http.StatusBadRequest
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	t, err := s.manager.Inspect(r.Context(), token, httpx.ClientIP(r))
	metrics.ObserveValidation(err)
	if err != nil {
		k := core.KindOf(err)
		logpkg.FromContext(r.Context()).Info("validation refused",
			zap.String("token", core.Fingerprint(token)), zap.String("kind", string(k)))
		resp := access.ValidateResponse{Code: string(k), Message: k.Message()}
		status := http.StatusOK
		switch k {
		case core.KindConnectivity:
			status = http.StatusServiceUnavailable
		case core.KindRateLimited:
			status = http.StatusTooManyRequests
		}
		if t != nil {
			resp.Type = string(t.Type)
			resp.Remaining = &t.Remaining
			resp.ExpiresAt = t.ExpiresAt.UnixMilli()
		}
		httpx.WriteJSON(w, status, resp)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, access.ValidateResponse{
		Valid:     true,
		Type:      string(t.Type),
		Remaining: &t.Remaining,
		ExpiresAt: t.ExpiresAt.UnixMilli(),
	})
}

func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req access.ConsumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		k := core.KindInvalidInput
		httpx.WriteJSON(w, http.StatusBadRequest, access.ConsumeResponse{Code: string(k), Message: k.Message()})
		return
	}

	res, err := s.manager.Consume(r.Context(), req.Token, req.RequestID, httpx.ClientIP(r))
	metrics.ObserveConsumption(res, err)
	log := logpkg.FromContext(r.Context()).With(
		zap.String("token", core.Fingerprint(req.Token)),
		zap.String("consume_request_id", req.RequestID),
	)
	if err != nil {
		k := core.KindOf(err)
		if k == core.KindConnectivity {
			log.Warn("consume failed", zap.Error(err))
		} else {
			log.Info("consume refused", zap.String("kind", string(k)))
		}
		httpx.WriteJSON(w, statusFor(err), access.ConsumeResponse{Code: string(k), Message: k.Message()})
		return
	}

	log.Info("consume committed", zap.Int64("remaining", res.Remaining), zap.Bool("replayed", res.Replayed))
	httpx.WriteJSON(w, http.StatusOK, access.ConsumeResponse{
		Success:   true,
		Remaining: &res.Remaining,
		Replayed:  res.Replayed,
	})
}

type issueRequest struct {
	Type core.TokenType `json:"type"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Token     string    `json:"token,omitempty"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Remaining int64     `json:"remaining"`
	Quota     int64     `json:"quota"`
	ExpiresAt time.Time `json:"expires_at"`
}

func viewOf(t core.Token, encoded string) tokenResponse {
	return tokenResponse{
		Token:     encoded,
		ID:        t.ID.String(),
		Type:      string(t.Type),
		Remaining: t.Remaining,
		Quota:     t.Quota,
		ExpiresAt: t.ExpiresAt,
	}
}

func (s *server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	k := core.KindOf(err)
	if k == core.KindConnectivity {
		logpkg.FromContext(r.Context()).Error("token store failure", zap.Error(err))
	}
	httpx.WriteError(w, statusFor(err), string(k), k.Message())
}

func (s *server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(core.KindInvalidInput), "invalid request")
		return
	}
	t, encoded, err := s.manager.Issue(r.Context(), req.Type)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	logpkg.FromContext(r.Context()).Info("token issued",
		zap.String("token", core.Fingerprint(encoded)),
		zap.String("type", string(t.Type)),
		zap.String("issued_by", httpx.Subject(r.Context())),
	)
	httpx.WriteJSON(w, http.StatusCreated, viewOf(t, encoded))
}

func (s *server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.Token == "" {
		httpx.WriteError(w, http.StatusBadRequest, string(core.KindInvalidInput), "invalid request")
		return
	}
	t, err := s.manager.Renew(r.Context(), req.Token)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	logpkg.FromContext(r.Context()).Info("token renewed",
		zap.String("token", core.Fingerprint(req.Token)), zap.Time("expires_at", t.ExpiresAt))
	httpx.WriteJSON(w, http.StatusOK, viewOf(*t, ""))
}

type historyResponse struct {
	Consumptions []core.Consumption `json:"consumptions"`
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, string(core.KindInvalidInput), "token is required")
		return
	}
	hist, err := s.manager.History(r.Context(), token)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if hist == nil {
		hist = []core.Consumption{}
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{Consumptions: hist})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				logpkg.FromContext(r.Context()).Warn("health check failed", zap.Error(err))
			}
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
