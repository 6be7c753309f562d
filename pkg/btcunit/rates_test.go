package btcunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeRateConversions checks that sat/vb and sat/kvb rates convert into
// each other without losing precision.
func TestFeeRateConversions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		vb          SatPerVByte
		kvb         SatPerKVByte
		expectedStr string
	}{
		{
			name:        "1 sat/vb",
			vb:          NewSatPerVByte(1),
			kvb:         NewSatPerKVByte(1000),
			expectedStr: "1.000 sat/vb",
		},
		{
			name:        "0.11 sat/vb",
			vb:          CalcSatPerVByte(11, NewVByte(100)),
			kvb:         NewSatPerKVByte(110),
			expectedStr: "0.110 sat/vb",
		},
		{
			name:        "25 sat/vb",
			vb:          NewSatPerVByte(25),
			kvb:         NewSatPerKVByte(25_000),
			expectedStr: "25.000 sat/vb",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.True(t, tc.vb.Equal(tc.kvb.ToSatPerVByte()))
			require.Zero(t, tc.kvb.cmp(
				tc.vb.ToSatPerKVByte().baseFeeRate,
			))
			require.Equal(t, tc.expectedStr, tc.vb.String())
		})
	}
}

// TestFromBTCPerKVByte checks the conversion of estimatesmartfee results.
func TestFromBTCPerKVByte(t *testing.T) {
	t.Parallel()

	rate, err := FromBTCPerKVByte(0.00012)
	require.NoError(t, err)
	require.Equal(t, "12000.000 sat/kvb", rate.String())
	require.True(t, NewSatPerVByte(12).Equal(rate.ToSatPerVByte()))
}

// TestFeeForWeightRoundUp checks that the fee for a fractional vbyte is
// truncated or rounded up depending on the method.
func TestFeeForWeightRoundUp(t *testing.T) {
	t.Parallel()

	feeRate := NewSatPerVByte(1)

	// 674 weight units is 168.5 vb.
	txWeight := NewWeightUnit(674)

	require.EqualValues(t, 168, feeRate.FeeForWeight(txWeight))
	require.EqualValues(t, 169, feeRate.FeeForWeightRoundUp(txWeight))
	require.EqualValues(t, 4200, NewSatPerVByte(10).FeeForVByte(
		NewVByte(420),
	))
}

// TestFeeRateMax checks that Max picks the larger rate.
func TestFeeRateMax(t *testing.T) {
	t.Parallel()

	low := NewSatPerVByte(1)
	high := NewSatPerVByte(3)

	require.True(t, high.Equal(low.Max(high)))
	require.True(t, high.Equal(high.Max(low)))
	require.True(t, low.LessThan(high))
	require.False(t, high.LessThan(low))

	relay := NewSatPerKVByte(1_000)
	estimate := NewSatPerKVByte(2_500)
	require.True(t, estimate.Equal(relay.Max(estimate)))
	require.Equal(t, btcutil.Amount(2_500), relay.Max(estimate).Sats())
	require.Equal(t, btcutil.Amount(1_000), relay.Sats())
}

// TestZeroFeeRate checks that a zero value fee rate is usable.
func TestZeroFeeRate(t *testing.T) {
	t.Parallel()

	var rate SatPerVByte
	require.Equal(t, btcutil.Amount(0), rate.FeeForVByte(NewVByte(100)))
	require.True(t, rate.Equal(ZeroSatPerVByte))
	require.Equal(t, "0.000 sat/vb", rate.String())
}
