package core

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func isScript(cmd []string) bool {
	return cmd[0] == "EVALSHA" || cmd[0] == "EVAL"
}

func TestValkeyStore_ConsumeCommitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	id := uuid.New()

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return isScript(cmd) && contains(cmd, "pg:"+id.String()) && contains(cmd, "req-1")
		})).
		Return(mock.Result(mock.RedisArray(mock.RedisInt64(1), mock.RedisInt64(4))))

	s := NewValkeyStoreWithClient(c, "pg:")
	res, err := s.Consume(context.Background(), id, "req-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Remaining)
	assert.False(t, res.Replayed)
}

func TestValkeyStore_ConsumeRefusals(t *testing.T) {
	tests := []struct {
		code int64
		want error
	}{
		{scriptNotFound, ErrInvalidToken},
		{scriptExpired, ErrExpired},
		{scriptUsed, ErrAlreadyConsumed},
		{scriptExhausted, ErrExhausted},
	}
	for _, tc := range tests {
		t.Run(tc.want.Error(), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			c := mock.NewClient(ctrl)
			c.EXPECT().
				Do(gomock.Any(), mock.MatchFn(isScript)).
				Return(mock.Result(mock.RedisArray(mock.RedisInt64(tc.code), mock.RedisInt64(0))))

			s := NewValkeyStoreWithClient(c, "")
			_, err := s.Consume(context.Background(), uuid.New(), "req", epoch)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValkeyStore_ConsumeReplay(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(isScript)).
		Return(mock.Result(mock.RedisArray(mock.RedisInt64(scriptReplayed), mock.RedisInt64(0))))

	s := NewValkeyStoreWithClient(c, "")
	res, err := s.Consume(context.Background(), uuid.New(), "req", epoch)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestValkeyStore_ConsumeTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(isScript)).
		Return(mock.ErrorResult(context.DeadlineExceeded))

	s := NewValkeyStoreWithClient(c, "")
	_, err := s.Consume(context.Background(), uuid.New(), "req", epoch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValkeyStore_Get(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	id := uuid.New()
	expires := epoch.Add(time.Hour)

	c.EXPECT().
		Do(gomock.Any(), mock.Match("HGETALL", "pg:"+id.String())).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{
			"type":       mock.RedisString("sub"),
			"remaining":  mock.RedisString("7"),
			"quota":      mock.RedisString("100"),
			"created_at": mock.RedisString("1772366400000"),
			"expires_at": mock.RedisString(formatMillis(expires)),
		})))

	s := NewValkeyStoreWithClient(c, "pg:")
	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, TokenSubscription, got.Type)
	assert.Equal(t, int64(7), got.Remaining)
	assert.Equal(t, int64(100), got.Quota)
	assert.True(t, expires.Equal(got.ExpiresAt))
}

func TestValkeyStore_GetMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool { return cmd[0] == "HGETALL" })).
		Return(mock.Result(mock.RedisMap(map[string]rueidis.RedisMessage{})))

	s := NewValkeyStoreWithClient(c, "")
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValkeyStore_Save(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	tok := newToken(TokenSingleUse, 1, time.Hour)

	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "HSET" && cmd[1] == "pg:"+tok.ID.String() && contains(cmd, "single")
		})).
		Return(mock.Result(mock.RedisInt64(5)))

	s := NewValkeyStoreWithClient(c, "pg:")
	require.NoError(t, s.Save(context.Background(), tok))
}

func TestValkeyStore_HistoryMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mock.NewClient(ctrl)
	c.EXPECT().
		Do(gomock.Any(), mock.MatchFn(func(cmd []string) bool { return cmd[0] == "EXISTS" })).
		Return(mock.Result(mock.RedisInt64(0)))

	s := NewValkeyStoreWithClient(c, "")
	_, err := s.History(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func contains(cmd []string, want string) bool {
	for _, c := range cmd {
		if c == want {
			return true
		}
	}
	return false
}

func formatMillis(t time.Time) string {
	return tokenFields(Token{ExpiresAt: t})[fieldExpiresAt]
}
