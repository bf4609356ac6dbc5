package vault

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceData is the raw record returned by a price-feed provider: a signed
// mantissa, a base-10 exponent, the provider's confidence interval expressed
// in the same mantissa units, and the publish timestamp.
type PriceData struct {
	Mantissa    int64
	Exponent    int32
	Confidence  uint64
	PublishTime int64
}

// PriceSource is the boundary to the external price-feed provider. The
// staleness window is enforced by the provider's own no-older-than primitive;
// the adapter never re-checks publish times manually.
type PriceSource interface {
	GetRateNoOlderThan(feedID string, maxAge time.Duration) (PriceData, error)
	// SubmitUpdate pushes fresher feed payloads ahead of a read and returns
	// the fee charged. Overpayment is returned to the caller synchronously
	// by the provider.
	SubmitUpdate(updates [][]byte) (*big.Int, error)
}

// OracleAdapter normalises provider price records into USD-per-unit values at
// UsdDecimals fixed precision and rejects stale or low-confidence data.
type OracleAdapter struct {
	source PriceSource
}

// NewOracleAdapter wraps the supplied provider.
func NewOracleAdapter(source PriceSource) *OracleAdapter {
	return &OracleAdapter{source: source}
}

// UsdRate resolves the USD-per-unit rate for the supplied feed at UsdDecimals
// precision.
//
// A negative raw price yields a zero rate with no error: it is an expected
// rare provider anomaly and must not abort batch-style scans that price many
// assets in one pass. Callers treat a zero rate as "no usable price".
func (a *OracleAdapter) UsdRate(feedID string, maxAge time.Duration, maxConfidenceBps uint64) (*big.Int, error) {
	if a == nil || a.source == nil {
		return nil, errNilOracle
	}
	trimmed := strings.TrimSpace(feedID)
	if trimmed == "" {
		return nil, fmt.Errorf("vault: price feed id required")
	}
	data, err := a.source.GetRateNoOlderThan(trimmed, maxAge)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", ErrStalePrice, trimmed, err)
	}
	if data.Mantissa < 0 {
		return big.NewInt(0), nil
	}
	if data.Mantissa > 0 && maxConfidenceBps > 0 {
		// confidence/price > maxConfidenceBps/10000, cross-multiplied to
		// stay in integers.
		lhs := new(big.Int).Mul(new(big.Int).SetUint64(data.Confidence), big.NewInt(10_000))
		rhs := new(big.Int).Mul(big.NewInt(data.Mantissa), new(big.Int).SetUint64(maxConfidenceBps))
		if lhs.Cmp(rhs) > 0 {
			return nil, fmt.Errorf("%w: feed %s", ErrLowConfidence, trimmed)
		}
	}
	return scaleMantissa(data.Mantissa, data.Exponent, UsdDecimals), nil
}

// PushUpdate forwards fresher feed payloads to the provider.
func (a *OracleAdapter) PushUpdate(updates [][]byte) (*big.Int, error) {
	if a == nil || a.source == nil {
		return nil, errNilOracle
	}
	fee, err := a.source.SubmitUpdate(updates)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(fee), nil
}

// scaleMantissa computes m x 10^(target+e) using integer arithmetic only.
// Truncation is toward zero and deterministic.
func scaleMantissa(mantissa int64, exponent int32, target int32) *big.Int {
	value := big.NewInt(mantissa)
	shift := int64(target) + int64(exponent)
	if shift >= 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
		return value.Mul(value, scale)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
	return value.Quo(value, scale)
}

// ManualPriceSource is an in-memory provider used for tests and manual
// overrides during incident response.
type ManualPriceSource struct {
	mu     sync.RWMutex
	prices map[string]PriceData
	nowFn  func() int64
	// updateFee is the flat fee reported for SubmitUpdate calls.
	updateFee *big.Int
}

// NewManualPriceSource constructs an empty manual provider.
func NewManualPriceSource() *ManualPriceSource {
	return &ManualPriceSource{
		prices:    make(map[string]PriceData),
		nowFn:     func() int64 { return time.Now().Unix() },
		updateFee: big.NewInt(0),
	}
}

// SetNowFunc overrides the time source used for staleness checks. Primarily
// intended for deterministic tests.
func (m *ManualPriceSource) SetNowFunc(now func() int64) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.nowFn = now
	m.mu.Unlock()
}

// Set stores the supplied raw record for the feed.
func (m *ManualPriceSource) Set(feedID string, data PriceData) {
	if m == nil {
		return
	}
	trimmed := strings.TrimSpace(feedID)
	if trimmed == "" {
		return
	}
	m.mu.Lock()
	m.prices[trimmed] = data
	m.mu.Unlock()
}

// GetRateNoOlderThan returns the stored record, enforcing the caller's
// staleness window against the configured clock.
func (m *ManualPriceSource) GetRateNoOlderThan(feedID string, maxAge time.Duration) (PriceData, error) {
	if m == nil {
		return PriceData{}, fmt.Errorf("vault: manual price source not configured")
	}
	m.mu.RLock()
	data, ok := m.prices[strings.TrimSpace(feedID)]
	now := m.nowFn()
	m.mu.RUnlock()
	if !ok {
		return PriceData{}, fmt.Errorf("vault: no price for feed %s", feedID)
	}
	if maxAge > 0 && now-data.PublishTime > int64(maxAge/time.Second) {
		return PriceData{}, fmt.Errorf("vault: price for feed %s older than %s", feedID, maxAge)
	}
	return data, nil
}

// SubmitUpdate records nothing and charges the configured flat fee; manual
// sources are updated through Set instead.
func (m *ManualPriceSource) SubmitUpdate(_ [][]byte) (*big.Int, error) {
	if m == nil {
		return nil, fmt.Errorf("vault: manual price source not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBigInt(m.updateFee), nil
}
