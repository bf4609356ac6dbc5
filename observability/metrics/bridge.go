package metrics

import (
	"math/big"

	"github.com/beradigm/bao-contracts/core/events"
	"github.com/beradigm/bao-contracts/native/vault"
)

// Observer translates engine events into Prometheus series. It satisfies
// events.Emitter so it can sit in an emitter fanout next to logging.
type Observer struct {
	metrics *VaultMetrics
}

func NewObserver(m *VaultMetrics) *Observer {
	return &Observer{metrics: m}
}

var usdScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(vault.UsdDecimals), nil)

func (o *Observer) Emit(evt events.Event) {
	if o == nil || o.metrics == nil || evt == nil {
		return
	}
	rec := evt.Event()
	if rec == nil {
		return
	}
	switch rec.Type {
	case vault.EventTypeDeposit:
		o.metrics.ObserveDeposit(rec.Attributes["asset"])
	case vault.EventTypeDepositClamped:
		o.metrics.ObserveDeposit(rec.Attributes["asset"])
		o.metrics.ObserveClamp()
	case vault.EventTypeOTCRecorded:
		o.metrics.ObserveOTC()
	case vault.EventTypeOTCReversed:
		o.metrics.ObserveOTCReversal()
	case vault.EventTypeRefund:
		o.metrics.ObserveRefund()
	case vault.EventTypeRevaluation:
		o.metrics.ObserveRevaluation()
		if aggregate, ok := new(big.Int).SetString(rec.Attributes["aggregateUsd"], 10); ok {
			o.metrics.SetAggregateRaised(aggregate, usdScale)
		}
	case vault.EventTypeGoalReached:
		o.metrics.SetGoalReached(true)
	case vault.EventTypeFinalized:
		o.metrics.SetFinalized(true)
	}
}
