// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashutil

import (
	"math"
	"math/big"
)

// DuffsPerKilo is the number of duffs in a kilo-duff, used when converting
// between a duff/vbyte and a duff/kvbyte fee rate.
const DuffsPerKilo = 1000

// floatStringPrecision is the number of decimal places to use when
// converting a fee rate to a string.
const floatStringPrecision = 2

// DuffPerVByte represents a fee rate in duff/vbyte. Dash transactions have
// no segregated witness discount, so unlike fee rate types built for a
// segwit chain, a single byte-denominated unit is sufficient; there is no
// separate weight-unit rate to convert to or from.
type DuffPerVByte struct {
	*big.Rat
}

// NewDuffPerVByte creates a new fee rate in duff/vb from a total fee and a
// transaction size in vbytes.
func NewDuffPerVByte(fee Amount, vb int64) DuffPerVByte {
	if vb == 0 {
		return DuffPerVByte{big.NewRat(0, 1)}
	}

	return DuffPerVByte{big.NewRat(int64(fee), vb)}
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// size in vbytes.
func (d DuffPerVByte) FeeForVSize(vbytes int64) Amount {
	fee := new(big.Rat).Mul(d.Rat, big.NewRat(vbytes, 1))
	f, _ := fee.Float64()
	return Amount(math.Round(f))
}

// FeePerKVByte converts the current fee rate from duff/vb to duff/kvb.
func (d DuffPerVByte) FeePerKVByte() DuffPerKVByte {
	rate := new(big.Rat).Mul(d.Rat, big.NewRat(DuffsPerKilo, 1))
	return DuffPerKVByte{rate}
}

// String returns a human-readable string of the fee rate.
func (d DuffPerVByte) String() string {
	return d.FloatString(floatStringPrecision) + " duff/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (d DuffPerVByte) Equal(other DuffPerVByte) bool {
	return d.Cmp(other.Rat) == 0
}

// GreaterThan returns true if the fee rate is greater than the other.
func (d DuffPerVByte) GreaterThan(other DuffPerVByte) bool {
	return d.Cmp(other.Rat) > 0
}

// LessThan returns true if the fee rate is less than the other.
func (d DuffPerVByte) LessThan(other DuffPerVByte) bool {
	return d.Cmp(other.Rat) < 0
}

// DuffPerKVByte represents a fee rate in duff/kvbyte.
type DuffPerKVByte struct {
	*big.Rat
}

// NewDuffPerKVByte creates a new fee rate in duff/kvb from a total fee and a
// transaction size in vbytes.
func NewDuffPerKVByte(fee Amount, vb int64) DuffPerKVByte {
	if vb == 0 {
		return DuffPerKVByte{big.NewRat(0, 1)}
	}

	return DuffPerKVByte{big.NewRat(int64(fee)*DuffsPerKilo, vb)}
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// size in vbytes.
func (d DuffPerKVByte) FeeForVSize(vbytes int64) Amount {
	fee := new(big.Rat).Mul(d.Rat, big.NewRat(vbytes, DuffsPerKilo))
	f, _ := fee.Float64()
	return Amount(math.Round(f))
}

// FeePerVByte converts the current fee rate from duff/kvb to duff/vb.
func (d DuffPerKVByte) FeePerVByte() DuffPerVByte {
	rate := new(big.Rat).Mul(d.Rat, big.NewRat(1, DuffsPerKilo))
	return DuffPerVByte{rate}
}

// String returns a human-readable string of the fee rate.
func (d DuffPerKVByte) String() string {
	return d.FloatString(floatStringPrecision) + " duff/kvb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (d DuffPerKVByte) Equal(other DuffPerKVByte) bool {
	return d.Cmp(other.Rat) == 0
}

// GreaterThan returns true if the fee rate is greater than the other.
func (d DuffPerKVByte) GreaterThan(other DuffPerKVByte) bool {
	return d.Cmp(other.Rat) > 0
}

// LessThan returns true if the fee rate is less than the other.
func (d DuffPerKVByte) LessThan(other DuffPerKVByte) bool {
	return d.Cmp(other.Rat) < 0
}
