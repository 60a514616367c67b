package core

import "errors"

var (
	ErrNoToken           = errors.New("no token presented")
	ErrInvalidToken      = errors.New("token not found")
	ErrExpired           = errors.New("token expired")
	ErrExhausted         = errors.New("token has no remaining uses")
	ErrAlreadyConsumed   = errors.New("token already used")
	ErrConnectivity      = errors.New("token store unreachable")
	ErrInvalidInput      = errors.New("invalid input")
	ErrBadSignature      = errors.New("signature mismatch")
	ErrBadPayload        = errors.New("invalid payload")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNotRenewable      = errors.New("token type cannot be renewed")
)

// Kind is the user-facing classification of a failure.
type Kind string

const (
	KindNone            Kind = ""
	KindUnauthorized    Kind = "unauthorized"
	KindInvalidToken    Kind = "invalid"
	KindExpiredToken    Kind = "expired"
	KindExhaustedToken  Kind = "exhausted"
	KindAlreadyConsumed Kind = "already_used"
	KindConnectivity    Kind = "connectivity"
	KindInvalidInput    Kind = "invalid_input"
	KindRateLimited     Kind = "rate_limited"
)

var messages = map[Kind]string{
	KindUnauthorized:    "unauthorized: no token",
	KindInvalidToken:    "invalid access token",
	KindExpiredToken:    "this access has expired",
	KindExhaustedToken:  "no uses left on this access",
	KindAlreadyConsumed: "this access was already used",
	KindConnectivity:    "connectivity error, please retry",
	KindInvalidInput:    "please check the values you entered",
	KindRateLimited:     "too many requests, slow down",
}

// Message is the short text shown to users for k.
func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return "request failed"
}

// KindOf classifies err. Anything unrecognised is treated as connectivity so callers fail closed.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNoToken):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrBadSignature), errors.Is(err, ErrBadPayload):
		return KindInvalidToken
	case errors.Is(err, ErrExpired):
		return KindExpiredToken
	case errors.Is(err, ErrExhausted):
		return KindExhaustedToken
	case errors.Is(err, ErrAlreadyConsumed):
		return KindAlreadyConsumed
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotRenewable):
		return KindInvalidInput
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	default:
		return KindConnectivity
	}
}

// ErrorForCode is the inverse of KindOf for codes received over the wire.
func ErrorForCode(code string) error {
	switch Kind(code) {
	case KindInvalidToken:
		return ErrInvalidToken
	case KindExpiredToken:
		return ErrExpired
	case KindExhaustedToken:
		return ErrExhausted
	case KindAlreadyConsumed:
		return ErrAlreadyConsumed
	case KindInvalidInput:
		return ErrInvalidInput
	case KindRateLimited:
		return ErrRateLimitExceeded
	default:
		return ErrInvalidToken
	}
}
