package access

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunaaoguzhann/paygate/core"
)

// Visits holds one Gate per visit. Visits share nothing but the Token Store.
type Visits struct {
	store  TokenStore
	policy Policy
	ttl    time.Duration
	now    func() time.Time
	opts   []GateOption

	mu     sync.Mutex
	visits map[string]*visit
}

type visit struct {
	gate     *Gate
	lastSeen time.Time
}

func NewVisits(store TokenStore, policy Policy, ttl time.Duration, opts ...GateOption) *Visits {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Visits{
		store:  store,
		policy: policy,
		ttl:    ttl,
		now:    time.Now,
		opts:   opts,
		visits: make(map[string]*visit),
	}
}

// Start validates token and, if it may be spent, opens a visit for it. Nothing is
// kept for tokens that fail validation.
func (v *Visits) Start(ctx context.Context, token string) (string, *Gate, ValidationResult) {
	g := NewGate(token, v.store, v.policy, v.opts...)
	res := g.Validate(ctx)
	if !res.Valid {
		return "", nil, res
	}

	id := uuid.NewString()
	v.mu.Lock()
	v.visits[id] = &visit{gate: g, lastSeen: v.now()}
	v.mu.Unlock()
	return id, g, res
}

// Get returns the visit's gate and refreshes its idle timer.
func (v *Visits) Get(id string) (*Gate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vis, ok := v.visits[id]
	if !ok {
		return nil, core.ErrNoToken
	}
	now := v.now()
	if now.Sub(vis.lastSeen) > v.ttl {
		delete(v.visits, id)
		return nil, core.ErrNoToken
	}
	vis.lastSeen = now
	return vis.gate, nil
}

func (v *Visits) End(id string) {
	v.mu.Lock()
	delete(v.visits, id)
	v.mu.Unlock()
}

// Sweep drops idle visits and reports how many were removed.
func (v *Visits) Sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	n := 0
	for id, vis := range v.visits {
		if now.Sub(vis.lastSeen) > v.ttl {
			delete(v.visits, id)
			n++
		}
	}
	return n
}

func (v *Visits) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.visits)
}

// Run sweeps every interval until ctx is done.
func (v *Visits) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep()
		}
	}
}
