package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative home of token entitlement.
type Store interface {
	Save(ctx context.Context, t Token) error
	Get(ctx context.Context, id uuid.UUID) (*Token, error)
	// Consume debits one use iff the token is unexpired at now and has remaining > 0.
	// A requestID already committed for this token replays the original result without debiting.
	Consume(ctx context.Context, id uuid.UUID, requestID string, now time.Time) (ConsumeResult, error)
	// Reset sets remaining to the token's quota and moves expiry to expiresAt.
	Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*Token, error)
	History(ctx context.Context, id uuid.UUID) ([]Consumption, error)
}
