package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestUsdRateScalesMantissa(t *testing.T) {
	source := NewManualPriceSource()
	source.SetNowFunc(func() int64 { return 1000 })
	adapter := NewOracleAdapter(source)

	cases := []struct {
		name     string
		data     PriceData
		expected string
	}{
		{
			name:     "negative exponent",
			data:     PriceData{Mantissa: 200_000_000, Exponent: -8, PublishTime: 1000},
			expected: "2000000000000000000",
		},
		{
			name:     "zero exponent",
			data:     PriceData{Mantissa: 3, Exponent: 0, PublishTime: 1000},
			expected: "3000000000000000000",
		},
		{
			name:     "positive exponent",
			data:     PriceData{Mantissa: 5, Exponent: 2, PublishTime: 1000},
			expected: "500000000000000000000",
		},
		{
			name: "deep negative exponent truncates toward zero",
			// 1.9 x 10^-19 scales below one base unit and truncates to 1.
			data:     PriceData{Mantissa: 19, Exponent: -19, PublishTime: 1000},
			expected: "1",
		},
	}
	for _, tc := range cases {
		source.Set("feed", tc.data)
		rate, err := adapter.UsdRate("feed", time.Minute, 0)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if rate.String() != tc.expected {
			t.Fatalf("%s: rate = %s, want %s", tc.name, rate, tc.expected)
		}
	}
}

func TestUsdRateStaleness(t *testing.T) {
	source := NewManualPriceSource()
	source.SetNowFunc(func() int64 { return 1000 })
	source.Set("feed", PriceData{Mantissa: 100, Exponent: 0, PublishTime: 900})
	adapter := NewOracleAdapter(source)

	if _, err := adapter.UsdRate("feed", 200*time.Second, 0); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}
	if _, err := adapter.UsdRate("feed", 50*time.Second, 0); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestUsdRateConfidence(t *testing.T) {
	source := NewManualPriceSource()
	source.SetNowFunc(func() int64 { return 1000 })
	adapter := NewOracleAdapter(source)

	// confidence/price = 100/10000 = 100 bps.
	source.Set("feed", PriceData{Mantissa: 10_000, Exponent: 0, Confidence: 100, PublishTime: 1000})
	if _, err := adapter.UsdRate("feed", time.Minute, 100); err != nil {
		t.Fatalf("confidence at threshold rejected: %v", err)
	}
	if _, err := adapter.UsdRate("feed", time.Minute, 99); !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("expected ErrLowConfidence, got %v", err)
	}
	// Disabled check accepts any interval.
	if _, err := adapter.UsdRate("feed", time.Minute, 0); err != nil {
		t.Fatalf("disabled confidence check rejected: %v", err)
	}
}

func TestUsdRateNegativePriceReturnsZero(t *testing.T) {
	source := NewManualPriceSource()
	source.SetNowFunc(func() int64 { return 1000 })
	source.Set("feed", PriceData{Mantissa: -5, Exponent: 0, Confidence: 9999, PublishTime: 1000})
	adapter := NewOracleAdapter(source)

	rate, err := adapter.UsdRate("feed", time.Minute, 1)
	if err != nil {
		t.Fatalf("negative price must not abort: %v", err)
	}
	if rate.Sign() != 0 {
		t.Fatalf("negative price rate = %s, want 0", rate)
	}
}

func TestPushUpdateReportsFee(t *testing.T) {
	source := NewManualPriceSource()
	adapter := NewOracleAdapter(source)
	fee, err := adapter.PushUpdate([][]byte{{0x01}})
	if err != nil {
		t.Fatalf("push update failed: %v", err)
	}
	if fee.Cmp(big.NewInt(0)) != 0 {
		t.Fatalf("manual source fee = %s, want 0", fee)
	}
}
