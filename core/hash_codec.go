package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Redis-family stores keep each token as a hash with millisecond timestamps so the
// consume script can compare expiry without decoding JSON.

const (
	fieldType      = "type"
	fieldRemaining = "remaining"
	fieldQuota     = "quota"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
)

// Lua result codes shared by the consume scripts.
const (
	scriptCommitted = 1
	scriptReplayed  = 2
	scriptNotFound  = -1
	scriptExpired   = -2
	scriptUsed      = -3
	scriptExhausted = -4
)

// consumeScript is the compare-and-decrement run by RedisStore and ValkeyStore.
// KEYS: token hash, request-id hash, history list. ARGV: request id, now (ms).
const consumeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then return {-1, 0} end
if ARGV[1] ~= "" then
  local prev = redis.call("HGET", KEYS[2], ARGV[1])
  if prev then return {2, tonumber(prev)} end
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if tonumber(ARGV[2]) >= exp then return {-2, 0} end
local rem = tonumber(redis.call("HGET", KEYS[1], "remaining"))
if rem <= 0 then
  if redis.call("HGET", KEYS[1], "type") == "single" then return {-3, 0} end
  return {-4, 0}
end
rem = redis.call("HINCRBY", KEYS[1], "remaining", -1)
if ARGV[1] ~= "" then redis.call("HSET", KEYS[2], ARGV[1], rem) end
redis.call("RPUSH", KEYS[3], cjson.encode({request_id = ARGV[1], remaining_after = rem, consumed_at = tonumber(ARGV[2])}))
return {1, rem}
`

// resetScript refills remaining from quota. KEYS: token hash. ARGV: new expiry (ms).
const resetScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
local quota = redis.call("HGET", KEYS[1], "quota")
redis.call("HSET", KEYS[1], "remaining", quota, "expires_at", ARGV[1])
return 1
`

func tokenFields(t Token) map[string]string {
	return map[string]string{
		fieldType:      string(t.Type),
		fieldRemaining: strconv.FormatInt(t.Remaining, 10),
		fieldQuota:     strconv.FormatInt(t.Quota, 10),
		fieldCreatedAt: strconv.FormatInt(t.CreatedAt.UnixMilli(), 10),
		fieldExpiresAt: strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10),
	}
}

func tokenFromFields(id uuid.UUID, m map[string]string) (*Token, error) {
	if len(m) == 0 {
		return nil, ErrInvalidToken
	}
	parse := func(field string) (int64, error) {
		v, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode token field %s: %w", field, err)
		}
		return v, nil
	}
	remaining, err := parse(fieldRemaining)
	if err != nil {
		return nil, err
	}
	quota, err := parse(fieldQuota)
	if err != nil {
		return nil, err
	}
	created, err := parse(fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	expires, err := parse(fieldExpiresAt)
	if err != nil {
		return nil, err
	}
	return &Token{
		ID:        id,
		Type:      TokenType(m[fieldType]),
		Remaining: remaining,
		Quota:     quota,
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

// consumeOutcome turns a script reply into a result or a sentinel error.
func consumeOutcome(code, remaining int64) (ConsumeResult, error) {
	switch code {
	case scriptCommitted:
		return ConsumeResult{Remaining: remaining}, nil
	case scriptReplayed:
		return ConsumeResult{Remaining: remaining, Replayed: true}, nil
	case scriptNotFound:
		return ConsumeResult{}, ErrInvalidToken
	case scriptExpired:
		return ConsumeResult{}, ErrExpired
	case scriptUsed:
		return ConsumeResult{}, ErrAlreadyConsumed
	case scriptExhausted:
		return ConsumeResult{}, ErrExhausted
	default:
		return ConsumeResult{}, fmt.Errorf("unexpected consume script reply %d", code)
	}
}

type historyEntry struct {
	RequestID      string `json:"request_id"`
	RemainingAfter int64  `json:"remaining_after"`
	ConsumedAt     int64  `json:"consumed_at"`
}

func decodeHistory(raw []string) ([]Consumption, error) {
	out := make([]Consumption, 0, len(raw))
	for _, r := range raw {
		var e historyEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, Consumption{
			RequestID:      e.RequestID,
			RemainingAfter: e.RemainingAfter,
			ConsumedAt:     time.UnixMilli(e.ConsumedAt).UTC(),
		})
	}
	return out, nil
}
