package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type VaultMetrics struct {
	depositsAccepted *prometheus.CounterVec
	depositsClamped  prometheus.Counter
	otcRecorded      prometheus.Counter
	otcReversed      prometheus.Counter
	refundsIssued    prometheus.Counter
	revaluations     prometheus.Counter
	aggregateRaised  prometheus.Gauge
	goalReached      prometheus.Gauge
	finalized        prometheus.Gauge
	activeTokens     prometheus.Gauge
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			depositsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_deposits_accepted_total",
				Help: "Count of accepted contributions by asset.",
			}, []string{"asset"}),
			depositsClamped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_deposits_clamped_total",
				Help: "Count of deposits partially refunded to land exactly on the goal.",
			}),
			otcRecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_otc_recorded_total",
				Help: "Count of off-chain contributions recorded by operators.",
			}),
			otcReversed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_otc_reversed_total",
				Help: "Count of off-chain contribution reversals.",
			}),
			refundsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_refunds_total",
				Help: "Count of contributor refunds after a failed round.",
			}),
			revaluations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_revaluations_total",
				Help: "Count of full ledger revaluation sweeps.",
			}),
			aggregateRaised: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_aggregate_raised_usd",
				Help: "Aggregate contribution value in whole USD.",
			}),
			goalReached: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_goal_reached",
				Help: "Whether the funding goal has been reached (0 or 1).",
			}),
			finalized: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_finalized",
				Help: "Whether the round has been finalized (0 or 1).",
			}),
			activeTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_active_tokens",
				Help: "Number of token assets currently accepted.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.depositsAccepted,
			vaultRegistry.depositsClamped,
			vaultRegistry.otcRecorded,
			vaultRegistry.otcReversed,
			vaultRegistry.refundsIssued,
			vaultRegistry.revaluations,
			vaultRegistry.aggregateRaised,
			vaultRegistry.goalReached,
			vaultRegistry.finalized,
			vaultRegistry.activeTokens,
		)
	})
	return vaultRegistry
}

func (m *VaultMetrics) ObserveDeposit(asset string) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "unknown"
	}
	m.depositsAccepted.WithLabelValues(asset).Inc()
}

func (m *VaultMetrics) ObserveClamp() {
	if m == nil {
		return
	}
	m.depositsClamped.Inc()
}

func (m *VaultMetrics) ObserveOTC() {
	if m == nil {
		return
	}
	m.otcRecorded.Inc()
}

func (m *VaultMetrics) ObserveOTCReversal() {
	if m == nil {
		return
	}
	m.otcReversed.Inc()
}

func (m *VaultMetrics) ObserveRefund() {
	if m == nil {
		return
	}
	m.refundsIssued.Inc()
}

func (m *VaultMetrics) ObserveRevaluation() {
	if m == nil {
		return
	}
	m.revaluations.Inc()
}

// SetAggregateRaised records the aggregate in whole USD. The fixed-precision
// integer is scaled down so the gauge stays within float range.
func (m *VaultMetrics) SetAggregateRaised(aggregate *big.Int, usdScale *big.Int) {
	if m == nil || aggregate == nil || usdScale == nil || usdScale.Sign() == 0 {
		return
	}
	whole := new(big.Int).Quo(aggregate, usdScale)
	value, _ := new(big.Float).SetInt(whole).Float64()
	m.aggregateRaised.Set(value)
}

func (m *VaultMetrics) SetGoalReached(reached bool) {
	if m == nil {
		return
	}
	if reached {
		m.goalReached.Set(1)
	} else {
		m.goalReached.Set(0)
	}
}

func (m *VaultMetrics) SetFinalized(done bool) {
	if m == nil {
		return
	}
	if done {
		m.finalized.Set(1)
	} else {
		m.finalized.Set(0)
	}
}

func (m *VaultMetrics) SetActiveTokens(count int) {
	if m == nil {
		return
	}
	m.activeTokens.Set(float64(count))
}

func (m *VaultMetrics) InitAsset(asset string) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "unknown"
	}
	m.depositsAccepted.WithLabelValues(asset).Add(0)
}
