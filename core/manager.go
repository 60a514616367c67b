package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager is the Token Store's business layer: it issues, inspects, debits and renews
// tokens on top of a Store. It never caches entitlement; every call reads the Store.
type Manager struct {
	store             Store
	signer            *Signer
	now               func() time.Time
	singleUseValidity time.Duration
	subscriptionQuota int64
	subscriptionCycle time.Duration
	rateLimiter       RateLimiter
	rateLimit         int
	rateWindow        time.Duration
}

type Config struct {
	Store             Store
	Signer            *Signer
	Now               func() time.Time
	SingleUseValidity time.Duration
	SubscriptionQuota int64
	SubscriptionCycle time.Duration
	RateLimiter       RateLimiter
	RateLimit         int
	RateWindow        time.Duration
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	m := &Manager{
		store:             cfg.Store,
		signer:            cfg.Signer,
		now:               nowFn,
		singleUseValidity: cfg.SingleUseValidity,
		subscriptionQuota: cfg.SubscriptionQuota,
		subscriptionCycle: cfg.SubscriptionCycle,
		rateLimiter:       cfg.RateLimiter,
		rateLimit:         cfg.RateLimit,
		rateWindow:        cfg.RateWindow,
	}
	if m.singleUseValidity <= 0 {
		m.singleUseValidity = 180 * 24 * time.Hour
	}
	if m.subscriptionQuota <= 0 {
		m.subscriptionQuota = 100
	}
	if m.subscriptionCycle <= 0 {
		m.subscriptionCycle = 30 * 24 * time.Hour
	}
	if m.rateWindow <= 0 {
		m.rateWindow = time.Minute
	}
	return m, nil
}

// Issue creates a fresh token of the given type and returns it with its opaque form.
func (m *Manager) Issue(ctx context.Context, typ TokenType) (Token, string, error) {
	if !typ.Valid() {
		return Token{}, "", fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, typ)
	}
	now := m.now().UTC()
	t := Token{
		ID:        uuid.New(),
		Type:      typ,
		CreatedAt: now,
	}
	switch typ {
	case TokenSingleUse:
		t.Remaining, t.Quota = 1, 1
		t.ExpiresAt = now.Add(m.singleUseValidity)
	case TokenSubscription:
		t.Remaining, t.Quota = m.subscriptionQuota, m.subscriptionQuota
		t.ExpiresAt = now.Add(m.subscriptionCycle)
	}

	if err := m.store.Save(ctx, t); err != nil {
		return Token{}, "", fmt.Errorf("save token: %w", err)
	}
	encoded, err := EncodeToken(t.ID, m.signer)
	if err != nil {
		return Token{}, "", err
	}
	return t, encoded, nil
}

// Inspect is the read-only validation query. A non-nil error names why the token
// cannot be spent; the token is still returned when it exists.
func (m *Manager) Inspect(ctx context.Context, encoded, clientKey string) (*Token, error) {
	if err := m.allow(ctx, "validate:"+clientKey); err != nil {
		return nil, err
	}
	id, err := DecodeToken(encoded, m.signer)
	if err != nil {
		return nil, err
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, t.Status(m.now())
}

// Consume debits one use. requestID makes retries of the same attempt safe.
func (m *Manager) Consume(ctx context.Context, encoded, requestID, clientKey string) (ConsumeResult, error) {
	if err := m.allow(ctx, "consume:"+clientKey); err != nil {
		return ConsumeResult{}, err
	}
	id, err := DecodeToken(encoded, m.signer)
	if err != nil {
		return ConsumeResult{}, err
	}
	return m.store.Consume(ctx, id, requestID, m.now())
}

// Renew starts a new billing cycle for a subscription token.
func (m *Manager) Renew(ctx context.Context, encoded string) (*Token, error) {
	id, err := DecodeToken(encoded, m.signer)
	if err != nil {
		return nil, err
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Type != TokenSubscription {
		return nil, ErrNotRenewable
	}
	base := m.now().UTC()
	if t.ExpiresAt.After(base) {
		base = t.ExpiresAt
	}
	return m.store.Reset(ctx, id, base.Add(m.subscriptionCycle))
}

func (m *Manager) History(ctx context.Context, encoded string) ([]Consumption, error) {
	id, err := DecodeToken(encoded, m.signer)
	if err != nil {
		return nil, err
	}
	return m.store.History(ctx, id)
}

func (m *Manager) allow(ctx context.Context, key string) error {
	if m.rateLimiter == nil || m.rateLimit <= 0 {
		return nil
	}
	return m.rateLimiter.CheckAndIncrement(ctx, key, m.rateLimit, m.rateWindow)
}
