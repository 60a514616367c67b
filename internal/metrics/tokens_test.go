package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
)

func TestObserveValidation(t *testing.T) {
	ok := testutil.ToFloat64(TokenValidationsTotal.WithLabelValues("ok"))
	expired := testutil.ToFloat64(TokenValidationsTotal.WithLabelValues("expired"))

	ObserveValidation(nil)
	ObserveValidation(core.ErrExpired)

	assert.Equal(t, ok+1, testutil.ToFloat64(TokenValidationsTotal.WithLabelValues("ok")))
	assert.Equal(t, expired+1, testutil.ToFloat64(TokenValidationsTotal.WithLabelValues("expired")))
}

func TestObserveConsumption(t *testing.T) {
	ok := testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("ok"))
	replayed := testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("replayed"))
	used := testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("already_used"))

	ObserveConsumption(core.ConsumeResult{Remaining: 99}, nil)
	ObserveConsumption(core.ConsumeResult{Remaining: 99, Replayed: true}, nil)
	ObserveConsumption(core.ConsumeResult{}, core.ErrAlreadyConsumed)

	assert.Equal(t, ok+1, testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("ok")))
	assert.Equal(t, replayed+1, testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("replayed")))
	assert.Equal(t, used+1, testutil.ToFloat64(TokenConsumptionsTotal.WithLabelValues("already_used")))
	assert.NotZero(t, testutil.CollectAndCount(StoreRemainingUses))
}

func TestGateTransition(t *testing.T) {
	from, to := access.StateActive.String(), access.StateCommitting.String()
	before := testutil.ToFloat64(GateTransitionsTotal.WithLabelValues(from, to))
	GateTransition(access.StateActive, access.StateCommitting)
	assert.Equal(t, before+1, testutil.ToFloat64(GateTransitionsTotal.WithLabelValues(from, to)))
}
