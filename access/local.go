package access

import (
	"context"
	"fmt"

	"github.com/tunaaoguzhann/paygate/core"
)

// LocalStore adapts an in-process core.Manager to TokenStore.
type LocalStore struct {
	manager   *core.Manager
	clientKey string
}

var _ TokenStore = (*LocalStore)(nil)

func NewLocalStore(m *core.Manager) *LocalStore {
	return &LocalStore{manager: m, clientKey: "local"}
}

func (l *LocalStore) Validate(ctx context.Context, token string) ValidationResult {
	t, err := l.manager.Inspect(ctx, token, l.clientKey)
	if err != nil {
		return invalidResult(err)
	}
	return ValidationResult{
		Valid:     true,
		Type:      t.Type,
		Remaining: t.Remaining,
		ExpiresAt: t.ExpiresAt,
	}
}

func (l *LocalStore) Consume(ctx context.Context, token, requestID string) (core.ConsumeResult, error) {
	res, err := l.manager.Consume(ctx, token, requestID, l.clientKey)
	if err != nil && core.KindOf(err) == core.KindConnectivity {
		return res, fmt.Errorf("%w: %v", core.ErrConnectivity, err)
	}
	return res, err
}
