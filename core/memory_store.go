package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   Token
	history []Consumption
}

type MemoryStore struct {
	mu   sync.Mutex
	data map[uuid.UUID]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[uuid.UUID]*memoryEntry),
	}
}

func (s *MemoryStore) Save(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[t.ID]; ok {
		e.token = t
		return nil
	}
	s.data[t.ID] = &memoryEntry{token: t}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	t := e.token
	return &t, nil
}

func (s *MemoryStore) Consume(_ context.Context, id uuid.UUID, requestID string, now time.Time) (ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[id]
	if !ok {
		return ConsumeResult{}, ErrInvalidToken
	}
	if requestID != "" {
		for _, c := range e.history {
			if c.RequestID == requestID {
				return ConsumeResult{Remaining: c.RemainingAfter, Replayed: true}, nil
			}
		}
	}
	if err := e.token.Status(now); err != nil {
		return ConsumeResult{}, err
	}
	e.token.Remaining--
	e.history = append(e.history, Consumption{
		RequestID:      requestID,
		RemainingAfter: e.token.Remaining,
		ConsumedAt:     now,
	})
	return ConsumeResult{Remaining: e.token.Remaining}, nil
}

func (s *MemoryStore) Reset(_ context.Context, id uuid.UUID, expiresAt time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	e.token.Remaining = e.token.Quota
	e.token.ExpiresAt = expiresAt
	t := e.token
	return &t, nil
}

func (s *MemoryStore) History(_ context.Context, id uuid.UUID) ([]Consumption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[id]
	if !ok {
		return nil, ErrInvalidToken
	}
	out := make([]Consumption, len(e.history))
	copy(out, e.history)
	return out, nil
}
