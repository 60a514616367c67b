package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...func(*Config)) (*Manager, *clock) {
	t.Helper()
	clk := &clock{t: epoch}
	cfg := Config{
		Store:             NewMemoryStore(),
		Signer:            NewSigner("test-secret"),
		Now:               clk.now,
		SingleUseValidity: 24 * time.Hour,
		SubscriptionQuota: 100,
		SubscriptionCycle: 30 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, clk
}

func TestNewManager_RequiresStoreAndSigner(t *testing.T) {
	_, err := NewManager(Config{Signer: NewSigner("x")})
	assert.Error(t, err)
	_, err = NewManager(Config{Store: NewMemoryStore()})
	assert.Error(t, err)
}

func TestManager_SingleUseScenario(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	tok, encoded, err := m.Issue(ctx, TokenSingleUse)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tok.Remaining)

	got, err := m.Inspect(ctx, encoded, "client")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Remaining)

	res, err := m.Consume(ctx, encoded, "r1", "client")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Remaining)

	_, err = m.Consume(ctx, encoded, "r2", "client")
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = m.Inspect(ctx, encoded, "client")
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestManager_SubscriptionScenario(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, encoded, err := m.Issue(ctx, TokenSubscription)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := m.Consume(ctx, encoded, "", "client")
		require.NoError(t, err)
	}
	_, err = m.Consume(ctx, encoded, "", "client")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestManager_ExpiredScenario(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	_, encoded, err := m.Issue(ctx, TokenSingleUse)
	require.NoError(t, err)
	clk.advance(24*time.Hour + time.Second)

	_, err = m.Inspect(ctx, encoded, "client")
	assert.ErrorIs(t, err, ErrExpired)
	_, err = m.Consume(ctx, encoded, "r1", "client")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestManager_InspectHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, encoded, err := m.Issue(ctx, TokenSubscription)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		got, err := m.Inspect(ctx, encoded, "client")
		require.NoError(t, err)
		assert.Equal(t, int64(100), got.Remaining)
	}
}

func TestManager_MalformedTokens(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	other, _ := newTestManager(t, func(c *Config) { c.Signer = NewSigner("other") })
	_, foreign, err := other.Issue(ctx, TokenSingleUse)
	require.NoError(t, err)

	for _, raw := range []string{"", "not-a-token", "e30", foreign} {
		_, err := m.Inspect(ctx, raw, "client")
		require.Error(t, err)
		assert.Equal(t, KindInvalidToken, KindOf(err), "token %q", raw)
	}
}

func TestManager_Renew(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	sub, encoded, err := m.Issue(ctx, TokenSubscription)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := m.Consume(ctx, encoded, "", "client")
		require.NoError(t, err)
	}

	clk.advance(31 * 24 * time.Hour)
	renewed, err := m.Renew(ctx, encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(100), renewed.Remaining)
	assert.True(t, renewed.ExpiresAt.After(sub.ExpiresAt))

	_, err = m.Consume(ctx, encoded, "", "client")
	assert.NoError(t, err)

	_, single, err := m.Issue(ctx, TokenSingleUse)
	require.NoError(t, err)
	_, err = m.Renew(ctx, single)
	assert.ErrorIs(t, err, ErrNotRenewable)
}

func TestManager_History(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, encoded, err := m.Issue(ctx, TokenSubscription)
	require.NoError(t, err)

	_, err = m.Consume(ctx, encoded, "a", "client")
	require.NoError(t, err)
	_, err = m.Consume(ctx, encoded, "a", "client")
	require.NoError(t, err)
	_, err = m.Consume(ctx, encoded, "b", "client")
	require.NoError(t, err)

	hist, err := m.History(ctx, encoded)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[0].RequestID)
	assert.Equal(t, int64(98), hist[1].RemainingAfter)
}

func TestManager_IssueRejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Issue(context.Background(), TokenType("lifetime"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestManager_RateLimited(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, func(c *Config) {
		c.RateLimiter = NewMemoryRateLimiter()
		c.RateLimit = 2
		c.RateWindow = time.Hour
	})
	_, encoded, err := m.Issue(ctx, TokenSubscription)
	require.NoError(t, err)

	_, err = m.Inspect(ctx, encoded, "1.2.3.4")
	require.NoError(t, err)
	_, err = m.Inspect(ctx, encoded, "1.2.3.4")
	require.NoError(t, err)
	_, err = m.Inspect(ctx, encoded, "1.2.3.4")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	_, err = m.Inspect(ctx, encoded, "5.6.7.8")
	assert.NoError(t, err)
}
