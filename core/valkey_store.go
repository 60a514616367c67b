package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

var (
	valkeyConsume = rueidis.NewLuaScript(consumeScript)
	valkeyReset   = rueidis.NewLuaScript(resetScript)
)

// ValkeyConfig holds connection parameters for a Valkey (or Redis 7+) token store.
type ValkeyConfig struct {
	Addrs     []string
	Username  string
	Password  string
	KeyPrefix string
}

// ValkeyStore is the rueidis-backed Store. It runs the same consume script as RedisStore.
type ValkeyStore struct {
	client    rueidis.Client
	keyPrefix string
}

// NewValkeyStore dials the configured addresses.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return NewValkeyStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewValkeyStoreWithClient wraps an existing client.
func NewValkeyStoreWithClient(client rueidis.Client, keyPrefix string) *ValkeyStore {
	if keyPrefix == "" {
		keyPrefix = "paygate:token:"
	}
	return &ValkeyStore{client: client, keyPrefix: keyPrefix}
}

func (s *ValkeyStore) key(id uuid.UUID) string {
	return s.keyPrefix + id.String()
}

// Ping checks connectivity.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) Save(ctx context.Context, t Token) error {
	fv := s.client.B().Hset().Key(s.key(t.ID)).FieldValue()
	for k, v := range tokenFields(t) {
		fv = fv.FieldValue(k, v)
	}
	if err := s.client.Do(ctx, fv.Build()).Error(); err != nil {
		return fmt.Errorf("hset token: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Get(ctx context.Context, id uuid.UUID) (*Token, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("hgetall token: %w", err)
	}
	return tokenFromFields(id, m)
}

func (s *ValkeyStore) Consume(ctx context.Context, id uuid.UUID, requestID string, now time.Time) (ConsumeResult, error) {
	k := s.key(id)
	keys := []string{k, k + ":requests", k + ":history"}
	args := []string{requestID, strconv.FormatInt(now.UnixMilli(), 10)}
	res, err := valkeyConsume.Exec(ctx, s.client, keys, args).AsIntSlice()
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume script: %w", err)
	}
	if len(res) != 2 {
		return ConsumeResult{}, fmt.Errorf("unexpected consume script reply length %d", len(res))
	}
	return consumeOutcome(res[0], res[1])
}

func (s *ValkeyStore) Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*Token, error) {
	args := []string{strconv.FormatInt(expiresAt.UnixMilli(), 10)}
	res, err := valkeyReset.Exec(ctx, s.client, []string{s.key(id)}, args).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("reset script: %w", err)
	}
	if res == 0 {
		return nil, ErrInvalidToken
	}
	return s.Get(ctx, id)
}

func (s *ValkeyStore) History(ctx context.Context, id uuid.UUID) ([]Consumption, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.key(id)).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("exists token: %w", err)
	}
	if n == 0 {
		return nil, ErrInvalidToken
	}
	raw, err := s.client.Do(ctx, s.client.B().Lrange().Key(s.key(id)+":history").Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("lrange history: %w", err)
	}
	return decodeHistory(raw)
}
