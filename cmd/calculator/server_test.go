package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
	"github.com/tunaaoguzhann/paygate/deduction"
	"github.com/tunaaoguzhann/paygate/internal/httpx"
)

type fakeCheckout struct {
	url string
	err error
}

func (f fakeCheckout) CreateSession(_ context.Context, typ core.TokenType) (string, error) {
	if !typ.Valid() {
		return "", core.ErrInvalidInput
	}
	return f.url, f.err
}

type harness struct {
	manager *core.Manager
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, err := core.NewManager(core.Config{
		Store:  core.NewMemoryStore(),
		Signer: core.NewSigner("calculator-test"),
	})
	require.NoError(t, err)

	policy := access.DefaultPolicy()
	policy.Retry.BaseDelay = time.Millisecond
	s := &server{
		visits:       access.NewVisits(access.NewLocalStore(m), policy, time.Hour),
		policy:       policy,
		params:       deduction.DefaultParams(),
		checkout:     fakeCheckout{url: "https://pay.example/s/42"},
		cookieSecret: "cookie-secret",
		sessionTTL:   time.Hour,
		gateTimeout:  time.Second,
		logger:       zap.NewNop(),
	}
	return &harness{manager: m, handler: s.routes()}
}

func (h *harness) issue(t *testing.T, typ core.TokenType) string {
	t.Helper()
	_, token, err := h.manager.Issue(context.Background(), typ)
	require.NoError(t, err)
	return token
}

func (h *harness) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

// enter follows the entry link and returns the visit cookie.
func (h *harness) enter(t *testing.T, token string) *http.Cookie {
	t.Helper()
	rr := h.do(httptest.NewRequest(http.MethodGet, "/?token="+url.QueryEscape(token), http.NoBody), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/", rr.Header().Get("Location"))

	for _, c := range rr.Result().Cookies() {
		if c.Name == visitCookie {
			assert.True(t, c.HttpOnly)
			return c
		}
	}
	t.Fatal("no visit cookie")
	return nil
}

func (h *harness) calculate(cookie *http.Cookie, confirmed bool) *httptest.ResponseRecorder {
	body := fmt.Sprintf(`{"filing_status":"single","income":50000,"tips":2000,"ot_total":1000,"ot_multiplier":1.5,"confirmed":%t}`, confirmed)
	req := httptest.NewRequest(http.MethodPost, "/calculate", bytes.NewBufferString(body))
	return h.do(req, cookie)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestSingleUseVisit(t *testing.T) {
	h := newHarness(t)
	token := h.issue(t, core.TokenSingleUse)
	cookie := h.enter(t, token)

	sess := decode[sessionResponse](t, h.do(httptest.NewRequest(http.MethodGet, "/session", http.NoBody), cookie))
	assert.Equal(t, "active", sess.State)
	assert.Equal(t, "single", sess.Type)
	assert.True(t, sess.ConfirmationRequired)

	// no confirmation: nothing is spent
	rr := h.calculate(cookie, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	tok, err := h.manager.Inspect(context.Background(), token, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tok.Remaining)

	rr = h.calculate(cookie, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[calculateResponse](t, rr)
	assert.Equal(t, 2333.33, out.Result.Total)
	assert.Equal(t, int64(0), out.Remaining)
	assert.Equal(t, "committed", out.State)

	rr = h.calculate(cookie, true)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	body := decode[httpx.ErrorResponse](t, rr)
	assert.Equal(t, "already_used", body.Code)
	assert.Equal(t, core.KindAlreadyConsumed.Message(), body.Message)

	// a fresh visit with the same link is refused at the door
	rr = h.do(httptest.NewRequest(http.MethodGet, "/?token="+url.QueryEscape(token), http.NoBody), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "already_used", decode[httpx.ErrorResponse](t, rr).Code)
}

func TestSubscriptionVisit(t *testing.T) {
	h := newHarness(t)
	cookie := h.enter(t, h.issue(t, core.TokenSubscription))

	for want := int64(99); want >= 97; want-- {
		rr := h.calculate(cookie, false)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		out := decode[calculateResponse](t, rr)
		assert.Equal(t, want, out.Remaining)
		assert.Equal(t, "active", out.State)
	}

	sess := decode[sessionResponse](t, h.do(httptest.NewRequest(http.MethodGet, "/session", http.NoBody), cookie))
	assert.Equal(t, int64(97), sess.Remaining)
	assert.NotNil(t, sess.LastResult)
}

func TestInvalidInputSpendsNothing(t *testing.T) {
	h := newHarness(t)
	token := h.issue(t, core.TokenSubscription)
	cookie := h.enter(t, token)

	req := httptest.NewRequest(http.MethodPost, "/calculate",
		bytes.NewBufferString(`{"filing_status":"widow","income":1,"ot_multiplier":1.5}`))
	rr := h.do(req, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decode[httpx.ErrorResponse](t, rr).Code)

	tok, err := h.manager.Inspect(context.Background(), token, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(100), tok.Remaining)
}

func TestEntryRefusals(t *testing.T) {
	h := newHarness(t)

	rr := h.do(httptest.NewRequest(http.MethodGet, "/?token=forged", http.NoBody), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "invalid", decode[httpx.ErrorResponse](t, rr).Code)

	rr = h.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = h.calculate(nil, true)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	forged := &http.Cookie{Name: visitCookie, Value: "not-a-jwt"}
	rr = h.calculate(forged, true)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// signed, but for a visit that does not exist
	stray, err := httpx.SignSubject("cookie-secret", "no-such-visit", time.Hour)
	require.NoError(t, err)
	rr = h.calculate(&http.Cookie{Name: visitCookie, Value: stray}, true)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCheckout(t *testing.T) {
	h := newHarness(t)

	rr := h.do(httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"type":"sub"}`)), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://pay.example/s/42", decode[checkoutResponse](t, rr).URL)

	rr = h.do(httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"type":"gold"}`)), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCalculation_RunsOnlyValidInput(t *testing.T) {
	c := calculation{in: deduction.Input{FilingStatus: "nope"}, params: deduction.DefaultParams()}
	assert.ErrorIs(t, c.Check(), core.ErrInvalidInput)

	c.in = deduction.Input{FilingStatus: deduction.MarriedJoint, Income: 100000, Tips: 500, OvertimeMultiplier: 1.5}
	require.NoError(t, c.Check())
	res, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, 500.0, res.Total)
}

func TestActiveVisitRefreshesCookie(t *testing.T) {
	h := newHarness(t)
	cookie := h.enter(t, h.issue(t, core.TokenSubscription))
	id, err := httpx.ParseSubject(cookie.Value, "cookie-secret")
	require.NoError(t, err)

	rr := h.do(httptest.NewRequest(http.MethodGet, "/session", http.NoBody), cookie)
	require.Equal(t, http.StatusOK, rr.Code)

	var refreshed *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == visitCookie {
			refreshed = c
		}
	}
	require.NotNil(t, refreshed, "an active visit must renew its cookie")
	assert.Equal(t, int(time.Hour.Seconds()), refreshed.MaxAge)
	refreshedID, err := httpx.ParseSubject(refreshed.Value, "cookie-secret")
	require.NoError(t, err)
	assert.Equal(t, id, refreshedID)

	assert.Equal(t, http.StatusOK, h.calculate(refreshed, false).Code)

	// an unknown visit gets no cookie
	anon := h.do(httptest.NewRequest(http.MethodGet, "/session", http.NoBody), nil)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
	assert.Empty(t, anon.Result().Cookies())
}
