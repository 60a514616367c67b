package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunaaoguzhann/paygate/access"
	"github.com/tunaaoguzhann/paygate/core"
)

// Token protocol metrics.
var (
	TokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "token_validations_total",
			Help:      "Token validations by outcome",
		},
		[]string{"result"},
	)

	TokenConsumptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "token_consumptions_total",
			Help:      "Token consume attempts by outcome",
		},
		[]string{"result"},
	)

	GateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "gate_transitions_total",
			Help:      "Consumption gate state changes",
		},
		[]string{"from", "to"},
	)

	ProtectedOperationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Name:      "protected_operations_total",
			Help:      "Protected operations executed after a committed consume",
		},
	)

	StoreRemainingUses = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "paygate",
			Name:      "store_remaining_uses",
			Help:      "Remaining uses reported after each committed consume",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 75, 100},
		},
	)
)

func init() {
	prometheus.MustRegister(
		TokenValidationsTotal,
		TokenConsumptionsTotal,
		GateTransitionsTotal,
		ProtectedOperationsTotal,
		StoreRemainingUses,
	)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(core.KindOf(err))
}

// ObserveValidation counts one validation; err is the reason it failed, if any.
func ObserveValidation(err error) {
	TokenValidationsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveConsumption counts one consume attempt. Replays are counted apart from fresh debits.
func ObserveConsumption(res core.ConsumeResult, err error) {
	label := resultLabel(err)
	if err == nil {
		if res.Replayed {
			label = "replayed"
		} else {
			StoreRemainingUses.Observe(float64(res.Remaining))
		}
	}
	TokenConsumptionsTotal.WithLabelValues(label).Inc()
}

// GateTransition has the shape access.WithTransitionHook expects.
func GateTransition(from, to access.State) {
	GateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}
