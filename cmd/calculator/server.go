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
	"github.com/tunaaoguzhann/paygate/checkout"
	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/deduction"
	"github.com/tunaaoguzhann/paygate/internal/httpx"
	logpkg "github.com/tunaaoguzhann/paygate/internal/logger"
	"github.com/tunaaoguzhann/paygate/internal/metrics"
)

const visitCookie = "visit"

type checkoutCreator interface {
	CreateSession(ctx context.Context, typ core.TokenType) (string, error)
}

type server struct {
	visits       *access.Visits
	policy       access.Policy
	params       deduction.Params
	checkout     checkoutCreator
	limiter      *httpx.IPLimiter
	cookieSecret string
	sessionTTL   time.Duration
	gateTimeout  time.Duration
	logger       *zap.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.JSONRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.WideEvent(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pub chi.Router) {
		if s.limiter != nil {
			pub.Use(s.limiter.Middleware)
		}
		pub.Get("/", s.handleEnter)
		pub.Get("/session", s.handleSession)
		pub.Post("/calculate", s.handleCalculate)
		pub.Post("/checkout", s.handleCheckout)
	})
	return r
}

// calculation runs the deduction calculator behind the gate.
type calculation struct {
	in     deduction.Input
	params deduction.Params
}

func (c calculation) Check() error {
	return c.in.Validate(c.params)
}

func (c calculation) Run() (deduction.Result, error) {
	res, err := deduction.Compute(c.in, c.params)
	if err != nil {
		return deduction.Result{}, err
	}
	metrics.ProtectedOperationsTotal.Inc()
	return res, nil
}

func statusFor(k core.Kind) int {
	switch k {
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindInvalidToken, core.KindExpiredToken, core.KindExhaustedToken, core.KindAlreadyConsumed:
		return http.StatusForbidden
	case core.KindInvalidInput:
		return http.StatusBadRequest
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func writeKind(w http.ResponseWriter, k core.Kind) {
	httpx.WriteError(w, statusFor(k), string(k), k.Message())
}

// handleEnter opens a visit for ?token= and moves the token out of the URL.
func (s *server) handleEnter(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.handleSession(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(s.storeContext(r), s.gateTimeout)
	defer cancel()
	id, _, res := s.visits.Start(ctx, token)
	metrics.ObserveValidation(res.Err())
	if !res.Valid {
		logpkg.FromContext(r.Context()).Info("entry refused",
			zap.String("token", core.Fingerprint(token)), zap.String("kind", string(res.Kind)))
		writeKind(w, res.Kind)
		return
	}

	if err := s.setVisitCookie(w, r, id); err != nil {
		s.visits.End(id)
		logpkg.FromContext(r.Context()).Error("sign visit cookie", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// storeContext carries the buyer's address to the Token Store.
func (s *server) storeContext(r *http.Request) context.Context {
	return access.WithClientAddr(r.Context(), httpx.ClientIP(r))
}

func (s *server) setVisitCookie(w http.ResponseWriter, r *http.Request, id string) error {
	signed, err := httpx.SignSubject(s.cookieSecret, id, s.sessionTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     visitCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// gateFor resolves the visit cookie. A live visit gets a freshly signed cookie so the
// cookie lasts as long as the visit's idle timer.
func (s *server) gateFor(w http.ResponseWriter, r *http.Request) (*access.Gate, error) {
	c, err := r.Cookie(visitCookie)
	if err != nil {
		return nil, core.ErrNoToken
	}
	id, err := httpx.ParseSubject(c.Value, s.cookieSecret)
	if err != nil {
		return nil, core.ErrNoToken
	}
	g, err := s.visits.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.setVisitCookie(w, r, id); err != nil {
		logpkg.FromContext(r.Context()).Warn("refresh visit cookie", zap.Error(err))
	}
	return g, nil
}

type sessionResponse struct {
	State                string `json:"state"`
	Type                 string `json:"type"`
	Remaining            int64  `json:"remaining"`
	ExpiresAt            int64  `json:"expires_at"`
	ConfirmationRequired bool   `json:"confirmation_required"`
	LastResult           any    `json:"last_result,omitempty"`
	Code                 string `json:"code,omitempty"`
	Message              string `json:"message,omitempty"`
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	g, err := s.gateFor(w, r)
	if err != nil {
		writeKind(w, core.KindOf(err))
		return
	}
	sess := g.Session()
	resp := sessionResponse{
		State:                g.State().String(),
		Type:                 string(sess.TokenType),
		Remaining:            sess.Remaining,
		ExpiresAt:            sess.ExpiresAt.UnixMilli(),
		ConfirmationRequired: s.policy.RequireConfirmation[sess.TokenType],
		LastResult:           sess.LastResult,
	}
	if rej := g.Rejection(); rej != nil {
		k := core.KindOf(rej)
		resp.Code, resp.Message = string(k), k.Message()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type calculateRequest struct {
	deduction.Input
	Confirmed bool `json:"confirmed"`
}

type calculateResponse struct {
	Result    deduction.Result `json:"result"`
	Remaining int64            `json:"remaining"`
	Replayed  bool             `json:"replayed,omitempty"`
	State     string           `json:"state"`
}

func (s *server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	g, err := s.gateFor(w, r)
	if err != nil {
		writeKind(w, core.KindOf(err))
		return
	}
	var req calculateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeKind(w, core.KindInvalidInput)
		return
	}

	ctx, cancel := context.WithTimeout(s.storeContext(r), s.gateTimeout)
	defer cancel()
	out, err := access.RequestConsumeAndRun[deduction.Result](ctx, g,
		calculation{in: req.Input, params: s.params},
		access.ConsumeOptions{Confirmed: req.Confirmed},
	)
	if err != nil {
		k := core.KindOf(err)
		if k == core.KindInvalidInput {
			// tell the user which value is wrong; nothing was spent
			httpx.WriteError(w, http.StatusBadRequest, string(k), err.Error())
			return
		}
		writeKind(w, k)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, calculateResponse{
		Result:    out.Result,
		Remaining: out.Remaining,
		Replayed:  out.Replayed,
		State:     out.State.String(),
	})
}

type checkoutRequest struct {
	Type core.TokenType `json:"type"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

func (s *server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeKind(w, core.KindInvalidInput)
		return
	}
	url, err := s.checkout.CreateSession(r.Context(), req.Type)
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		writeKind(w, core.KindInvalidInput)
	case err != nil:
		logpkg.FromContext(r.Context()).Warn("checkout failed", zap.Error(err))
		httpx.WriteError(w, http.StatusBadGateway, "checkout_unavailable", "payment is unavailable, please retry")
	default:
		httpx.WriteJSON(w, http.StatusOK, checkoutResponse{URL: url})
	}
}

var _ checkoutCreator = (*checkout.Client)(nil)
