// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides the fee rate and transaction size units used when
// pricing sweep transactions.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string. Three places keep rates such as
	// 1 sat/kvb (0.001 sat/vb) from being rounded to zero.
	floatStringPrecision = 3
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)

	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = NewSatPerKVByte(0)
)

// baseFeeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-weight-unit (sat/kwu). All other fee rate units are
// derived from this.
type baseFeeRate struct {
	// satsPerKWU is the fee rate in satoshis per kilo-weight-unit.
	satsPerKWU *big.Rat
}

// newBaseFeeRate creates a new baseFeeRate with the given numerator and
// denominator. A zero denominator yields a zero fee rate.
func newBaseFeeRate(numerator btcutil.Amount, denominator uint64) baseFeeRate {
	if denominator == 0 {
		return baseFeeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return baseFeeRate{satsPerKWU: big.NewRat(
		int64(numerator),
		safeUint64ToInt64(denominator),
	)}
}

// ToSatPerVByte converts the fee rate to sat/vb.
func (f baseFeeRate) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{f}
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (f baseFeeRate) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{f}
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight. The result is truncated to whole satoshis.
func (f baseFeeRate) FeeForWeight(weightUnit WeightUnit) btcutil.Amount {
	fee := f.feeRat(weightUnit)

	quotient := big.NewInt(0)
	quotient.Div(fee.Num(), fee.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForWeightRoundUp calculates the fee resulting from this fee rate and the
// given weight, rounding any fractional satoshi up.
func (f baseFeeRate) FeeForWeightRoundUp(weightUnit WeightUnit) btcutil.Amount {
	fee := f.feeRat(weightUnit)

	// Ceiling division: (num + denom - 1) / denom.
	result := big.NewInt(0)
	result.Add(fee.Num(), fee.Denom())
	result.Sub(result, big.NewInt(1))
	result.Div(result, fee.Denom())

	return btcutil.Amount(result.Int64())
}

// FeeForVByte calculates the fee resulting from this fee rate and the given
// size in vbytes, rounded up.
func (f baseFeeRate) FeeForVByte(vb VByte) btcutil.Amount {
	return f.FeeForWeightRoundUp(vb.ToWU())
}

// feeRat returns the exact fee for the weight as a rational number.
func (f baseFeeRate) feeRat(weightUnit WeightUnit) *big.Rat {
	rate := f.satsPerKWU
	if rate == nil {
		rate = big.NewRat(0, 1)
	}

	fee := big.NewRat(0, 1)
	fee.Mul(rate, big.NewRat(safeUint64ToInt64(weightUnit.wu), kilo))

	return fee
}

// cmp compares two fee rates.
func (f baseFeeRate) cmp(other baseFeeRate) int {
	a, b := f.satsPerKWU, other.satsPerKWU
	if a == nil {
		a = big.NewRat(0, 1)
	}

	if b == nil {
		b = big.NewRat(0, 1)
	}

	return a.Cmp(b)
}

// SatPerVByte represents a fee rate in sat/vbyte. This is the unit the sweep
// planner and the user-facing output speak in.
type SatPerVByte struct {
	baseFeeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte calculates the fee rate in sat/vb for a given fee and size.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	// (fee * 1000) / size_in_wu gives the canonical sat/kwu rate.
	return SatPerVByte{newBaseFeeRate(fee*kilo, vb.wu)}
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	rate := big.NewRat(0, 1)
	if s.satsPerKWU != nil {
		rate.Mul(s.satsPerKWU,
			big.NewRat(blockchain.WitnessScaleFactor, kilo),
		)
	}

	return rate.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.cmp(other.baseFeeRate) == 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.cmp(other.baseFeeRate) < 0
}

// Max returns the larger of the two fee rates.
func (s SatPerVByte) Max(other SatPerVByte) SatPerVByte {
	if s.LessThan(other) {
		return other
	}

	return s
}

// SatPerKVByte represents a fee rate in sat/kvb, the unit bitcoind reports
// estimates and relay fees in.
type SatPerKVByte struct {
	baseFeeRate
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(rate*kilo, NewKVByte(1).wu)}
}

// FromBTCPerKVByte converts a fee rate expressed in BTC/kvB, as returned by
// estimatesmartfee, into sat/kvb.
func FromBTCPerKVByte(btcPerKVB float64) (SatPerKVByte, error) {
	amt, err := btcutil.NewAmount(btcPerKVB)
	if err != nil {
		return ZeroSatPerKVByte, err
	}

	return NewSatPerKVByte(amt), nil
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	rate := big.NewRat(0, 1)
	if s.satsPerKWU != nil {
		rate.Mul(s.satsPerKWU,
			big.NewRat(blockchain.WitnessScaleFactor, 1),
		)
	}

	return rate.FloatString(floatStringPrecision) + " sat/kvb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerKVByte) Equal(other SatPerKVByte) bool {
	return s.cmp(other.baseFeeRate) == 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s.cmp(other.baseFeeRate) < 0
}

// Max returns the larger of the two fee rates.
func (s SatPerKVByte) Max(other SatPerKVByte) SatPerKVByte {
	if s.LessThan(other) {
		return other
	}

	return s
}

// Sats returns the rate as whole satoshis per kvB, rounded up.
func (s SatPerKVByte) Sats() btcutil.Amount {
	return s.FeeForVByte(NewVByte(kilo))
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// Sweep weights are bounded by the standardness limits, so the cap is never
// hit in practice.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
