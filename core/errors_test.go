package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrInvalidToken, KindInvalidToken},
		{ErrBadPayload, KindInvalidToken},
		{ErrBadSignature, KindInvalidToken},
		{fmt.Errorf("wrapped: %w", ErrExpired), KindExpiredToken},
		{ErrExhausted, KindExhaustedToken},
		{ErrAlreadyConsumed, KindAlreadyConsumed},
		{ErrInvalidInput, KindInvalidInput},
		{ErrRateLimitExceeded, KindRateLimited},
		{ErrConnectivity, KindConnectivity},
		{context.DeadlineExceeded, KindConnectivity},
		{errors.New("boom"), KindConnectivity},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
}

func TestErrorForCodeRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindInvalidToken, KindExpiredToken, KindExhaustedToken, KindAlreadyConsumed} {
		assert.Equal(t, k, KindOf(ErrorForCode(string(k))))
	}
	assert.Equal(t, KindInvalidToken, KindOf(ErrorForCode("garbage")))
}

func TestKindMessagesAreDistinctForRefusals(t *testing.T) {
	seen := map[string]Kind{}
	for _, k := range []Kind{KindUnauthorized, KindInvalidToken, KindExpiredToken, KindAlreadyConsumed, KindConnectivity, KindExhaustedToken, KindInvalidInput} {
		msg := k.Message()
		prev, dup := seen[msg]
		assert.False(t, dup, "%s and %s share message %q", k, prev, msg)
		seen[msg] = k
	}
}
