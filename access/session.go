package access

import (
	"time"

	"github.com/tunaaoguzhann/paygate/core"
)

// Session is the client-local context of one visit. It is a cache of what the Token
// Store last said, never an authority.
type Session struct {
	Token     string
	TokenType core.TokenType
	// LocalUsed is set after a SingleUse commit and short-circuits further attempts.
	LocalUsed  bool
	LastResult any
	// Snapshot is the most recent validation or commit answer.
	Remaining int64
	ExpiresAt time.Time
}
