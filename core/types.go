package core

import (
	"time"

	"github.com/google/uuid"
)

// TokenType is the entitlement variant a token was sold as.
type TokenType string

const (
	TokenSingleUse    TokenType = "single"
	TokenSubscription TokenType = "sub"
)

func (t TokenType) Valid() bool {
	return t == TokenSingleUse || t == TokenSubscription
}

type Token struct {
	ID        uuid.UUID `json:"id"`
	Type      TokenType `json:"type"`
	Remaining int64     `json:"remaining"`
	Quota     int64     `json:"quota"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Terminal reports whether no further consumption can succeed at now.
func (t Token) Terminal(now time.Time) bool {
	return t.Remaining <= 0 || !now.Before(t.ExpiresAt)
}

// Status returns nil for a spendable token, otherwise the sentinel describing why not.
func (t Token) Status(now time.Time) error {
	if !now.Before(t.ExpiresAt) {
		return ErrExpired
	}
	if t.Remaining <= 0 {
		if t.Type == TokenSingleUse {
			return ErrAlreadyConsumed
		}
		return ErrExhausted
	}
	return nil
}

// Consumption is one committed debit of a token.
type Consumption struct {
	RequestID      string    `json:"request_id"`
	RemainingAfter int64     `json:"remaining_after"`
	ConsumedAt     time.Time `json:"consumed_at"`
}

// ConsumeResult is what the store reports for a committed consume.
type ConsumeResult struct {
	Remaining int64
	// Replayed is set when the request id had already been committed and nothing was debited.
	Replayed bool
}
