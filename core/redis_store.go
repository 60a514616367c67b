package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	redisConsume = redis.NewScript(consumeScript)
	redisReset   = redis.NewScript(resetScript)
)

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "paygate:token:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(id uuid.UUID) string {
	return fmt.Sprintf("%s%s", s.keyPrefix, id.String())
}

func (s *RedisStore) requestsKey(id uuid.UUID) string {
	return s.key(id) + ":requests"
}

func (s *RedisStore) historyKey(id uuid.UUID) string {
	return s.key(id) + ":history"
}

func (s *RedisStore) Save(ctx context.Context, t Token) error {
	fields := tokenFields(t)
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, s.key(t.ID), args...).Err()
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*Token, error) {
	m, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, err
	}
	return tokenFromFields(id, m)
}

func (s *RedisStore) Consume(ctx context.Context, id uuid.UUID, requestID string, now time.Time) (ConsumeResult, error) {
	keys := []string{s.key(id), s.requestsKey(id), s.historyKey(id)}
	res, err := redisConsume.Run(ctx, s.client, keys, requestID, now.UnixMilli()).Int64Slice()
	if err != nil {
		return ConsumeResult{}, err
	}
	if len(res) != 2 {
		return ConsumeResult{}, fmt.Errorf("unexpected consume script reply length %d", len(res))
	}
	return consumeOutcome(res[0], res[1])
}

func (s *RedisStore) Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*Token, error) {
	res, err := redisReset.Run(ctx, s.client, []string{s.key(id)}, expiresAt.UnixMilli()).Int()
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, ErrInvalidToken
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) History(ctx context.Context, id uuid.UUID) ([]Consumption, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrInvalidToken
	}
	raw, err := s.client.LRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeHistory(raw)
}
