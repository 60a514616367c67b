package access

import (
	"context"
	"time"

	"github.com/tunaaoguzhann/paygate/core"
)

// ValidationResult is a read-only snapshot of a token's entitlement. It may be stale
// as soon as it is returned.
type ValidationResult struct {
	Valid     bool
	Type      core.TokenType
	Remaining int64
	ExpiresAt time.Time
	Message   string
	Kind      core.Kind
}

// Err is nil for a valid result and otherwise the sentinel matching Kind.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	switch r.Kind {
	case core.KindConnectivity:
		return core.ErrConnectivity
	case core.KindUnauthorized:
		return core.ErrNoToken
	default:
		return core.ErrorForCode(string(r.Kind))
	}
}

func invalidResult(err error) ValidationResult {
	k := core.KindOf(err)
	return ValidationResult{Kind: k, Message: k.Message()}
}

// Validator answers whether a token may still be spent. It never mutates entitlement
// and never returns an error: connectivity problems come back as an invalid result.
type Validator interface {
	Validate(ctx context.Context, token string) ValidationResult
}

// Consumer performs the Token Store's conditional debit. Failures are always one of the
// core sentinels, transport problems included (core.ErrConnectivity).
type Consumer interface {
	Consume(ctx context.Context, token, requestID string) (core.ConsumeResult, error)
}

type TokenStore interface {
	Validator
	Consumer
}
