package access

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/paygate/core"
)

// State is a Gate's position in the consumption protocol.
type State int

const (
	StateUnvalidated State = iota
	StateActive
	StateCommitting
	StateCommitted
	StateRejected
	StateExhausted
)

var stateNames = [...]string{"unvalidated", "active", "committing", "committed", "rejected", "exhausted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Policy tunes a Gate. The zero value consumes without confirmation, without
// revalidation and without retries.
type Policy struct {
	RequireConfirmation     map[core.TokenType]bool
	RevalidateBeforeConsume bool
	Retry                   RetryConfig
}

func DefaultPolicy() Policy {
	return Policy{
		RequireConfirmation:     map[core.TokenType]bool{core.TokenSingleUse: true},
		RevalidateBeforeConsume: true,
		Retry:                   DefaultRetryConfig(),
	}
}

// Gate is the per-visit consumption state machine. It guarantees that a protected
// operation only runs after the Token Store acknowledged a debit, and that concurrent
// triggers within the visit share one consume call.
type Gate struct {
	store  TokenStore
	policy Policy
	logger *zap.Logger

	onTransition func(from, to State)
	newRequestID func() string

	mu        sync.Mutex
	state     State
	session   Session
	rejection error
	// pending is the request id of a consume whose outcome is unknown.
	pending string
	flight  *flight
}

type flight struct {
	op      any
	done    chan struct{}
	outcome any
	err     error
}

type GateOption func(*Gate)

func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithTransitionHook is called, with the gate locked, on every state change.
func WithTransitionHook(fn func(from, to State)) GateOption {
	return func(g *Gate) {
		g.onTransition = fn
	}
}

func withRequestIDs(fn func() string) GateOption {
	return func(g *Gate) {
		g.newRequestID = fn
	}
}

func NewGate(token string, store TokenStore, policy Policy, opts ...GateOption) *Gate {
	g := &Gate{
		store:        store,
		policy:       policy,
		logger:       zap.NewNop(),
		newRequestID: uuid.NewString,
		state:        StateUnvalidated,
		session:      Session{Token: token},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a copy of the visit's context.
func (g *Gate) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Rejection is the reason the gate went to Rejected, if it did.
func (g *Gate) Rejection() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejection
}

// Validate moves an Unvalidated gate to Active or Rejected.
func (g *Gate) Validate(ctx context.Context) ValidationResult {
	g.mu.Lock()
	if g.state != StateUnvalidated {
		g.mu.Unlock()
		return ValidationResult{Kind: core.KindInvalidInput, Message: "visit already validated"}
	}
	token := g.session.Token
	g.mu.Unlock()

	if token == "" {
		res := invalidResult(core.ErrNoToken)
		g.reject(core.ErrNoToken)
		return res
	}

	res := g.store.Validate(ctx, token)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !res.Valid {
		g.rejectLocked(res.Err())
		return res
	}
	g.session.TokenType = res.Type
	g.session.Remaining = res.Remaining
	g.session.ExpiresAt = res.ExpiresAt
	g.transition(StateActive)
	return res
}

// Operation is the protected work a Gate unlocks.
type Operation[T any] interface {
	// Check rejects bad input. It runs before any use is spent.
	Check() error
	Run() (T, error)
}

type ConsumeOptions struct {
	Confirmed bool
}

type Outcome[T any] struct {
	Result    T
	Remaining int64
	Replayed  bool
	State     State
}

// RequestConsumeAndRun spends one use of the gate's token and then runs op. op.Run is
// invoked only after the Token Store acknowledged the debit. Calls arriving while
// another one is in flight on the same gate wait for and return its outcome.
func RequestConsumeAndRun[T any](ctx context.Context, g *Gate, op Operation[T], opts ConsumeOptions) (Outcome[T], error) {
	var zero Outcome[T]
	if err := op.Check(); err != nil {
		if !errors.Is(err, core.ErrInvalidInput) {
			err = fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		return zero, err
	}

	f, requestID, leader, err := g.begin(op, opts)
	if err != nil {
		return zero, err
	}
	if !leader {
		// Only an identical request may share the leader's outcome.
		if !sameOp(f.op, op) {
			return zero, fmt.Errorf("%w: another calculation is in progress", core.ErrInvalidInput)
		}
		select {
		case <-f.done:
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", core.ErrConnectivity, ctx.Err())
		}
		if f.err != nil {
			return zero, f.err
		}
		out, ok := f.outcome.(Outcome[T])
		if !ok {
			return zero, fmt.Errorf("%w: concurrent request ran a different operation", core.ErrInvalidInput)
		}
		return out, nil
	}

	res, err := g.commit(ctx, requestID)
	if err != nil {
		g.land(f, nil, err)
		return zero, err
	}

	result, err := op.Run()
	if err != nil {
		g.land(f, nil, err)
		return zero, err
	}
	out := Outcome[T]{Result: result, Remaining: res.Remaining, Replayed: res.Replayed}

	g.mu.Lock()
	g.session.LastResult = result
	out.State = g.state
	g.mu.Unlock()

	g.land(f, out, nil)
	return out, nil
}

// begin applies the local guards. It either makes the caller the leader of a new
// consume (state Committing) or hands back the flight already underway.
func (g *Gate) begin(op any, opts ConsumeOptions) (*flight, string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.flight != nil {
		return g.flight, "", false, nil
	}

	switch g.state {
	case StateUnvalidated:
		return nil, "", false, core.ErrNoToken
	case StateRejected:
		return nil, "", false, g.rejection
	case StateExhausted:
		return nil, "", false, core.ErrExhausted
	case StateCommitted:
		return nil, "", false, core.ErrAlreadyConsumed
	case StateActive:
	default:
		return nil, "", false, fmt.Errorf("%w: unexpected gate state %s", core.ErrInvalidInput, g.state)
	}

	if g.session.TokenType == core.TokenSingleUse && g.session.LocalUsed {
		return nil, "", false, core.ErrAlreadyConsumed
	}
	if g.policy.RequireConfirmation[g.session.TokenType] && !opts.Confirmed {
		return nil, "", false, fmt.Errorf("%w: confirmation required", core.ErrInvalidInput)
	}

	requestID := g.pending
	if requestID == "" {
		requestID = g.newRequestID()
	}
	g.flight = &flight{op: op, done: make(chan struct{})}
	g.transition(StateCommitting)
	return g.flight, requestID, true, nil
}

// commit optionally revalidates and then performs the conditional debit, leaving the
// gate in its post-commit state.
func (g *Gate) commit(ctx context.Context, requestID string) (core.ConsumeResult, error) {
	g.mu.Lock()
	token := g.session.Token
	retrying := g.pending != ""
	g.mu.Unlock()

	// A pending request id may already be committed server-side; revalidating would
	// report it as used, so go straight to the idempotent consume.
	if g.policy.RevalidateBeforeConsume && !retrying {
		v := g.store.Validate(ctx, token)
		if !v.Valid {
			err := v.Err()
			// no consume was sent, so there is no request id to keep
			g.settleFailure("", err)
			return core.ConsumeResult{}, err
		}
		g.mu.Lock()
		g.session.Remaining = v.Remaining
		g.session.ExpiresAt = v.ExpiresAt
		g.mu.Unlock()
	}

	var res core.ConsumeResult
	err := withRetry(ctx, g.policy.Retry, func() error {
		r, err := g.store.Consume(ctx, token, requestID)
		if err != nil {
			if core.KindOf(err) == core.KindConnectivity {
				return retryableError{err: err}
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		g.settleFailure(requestID, err)
		return core.ConsumeResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = ""
	g.session.Remaining = res.Remaining
	g.transition(StateCommitted)
	switch {
	case g.session.TokenType == core.TokenSingleUse:
		g.session.LocalUsed = true
	case res.Remaining > 0:
		g.transition(StateActive)
	default:
		g.transition(StateExhausted)
	}
	g.logger.Info("consumption committed",
		zap.String("token", core.Fingerprint(token)),
		zap.String("request_id", requestID),
		zap.Int64("remaining", res.Remaining),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

// settleFailure maps a failed revalidation or consume onto the state machine. Transient
// failures leave the gate Active and remember the request id so the next attempt
// replays it instead of risking a second debit.
func (g *Gate) settleFailure(requestID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch core.KindOf(err) {
	case core.KindConnectivity, core.KindRateLimited:
		g.pending = requestID
		g.transition(StateActive)
		if requestID == "" {
			g.logger.Warn("revalidation failed",
				zap.String("token", core.Fingerprint(g.session.Token)),
				zap.Error(err),
			)
			return
		}
		g.logger.Warn("consume outcome unknown, keeping request id",
			zap.String("token", core.Fingerprint(g.session.Token)),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	default:
		g.pending = ""
		g.rejectLocked(err)
	}
}

// sameOp reports whether two operations describe the same request. Pointer operations
// are identical only when they are the same value.
func sameOp(a, b any) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Pointer {
		return va.Pointer() == vb.Pointer()
	}
	return reflect.DeepEqual(a, b)
}

func (g *Gate) land(f *flight, outcome any, err error) {
	g.mu.Lock()
	f.outcome, f.err = outcome, err
	g.flight = nil
	g.mu.Unlock()
	close(f.done)
}

func (g *Gate) reject(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectLocked(err)
}

func (g *Gate) rejectLocked(err error) {
	g.rejection = err
	g.transition(StateRejected)
	g.logger.Info("token rejected",
		zap.String("token", core.Fingerprint(g.session.Token)),
		zap.String("kind", string(core.KindOf(err))),
	)
}

func (g *Gate) transition(to State) {
	from := g.state
	if from == to {
		return
	}
	g.state = to
	g.logger.Debug("gate transition", zap.Stringer("from", from), zap.Stringer("to", to))
	if g.onTransition != nil {
		g.onTransition(from, to)
	}
}
