// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashutil

import (
	"errors"
	"math"
	"strconv"
)

// AmountUnit describes a method of converting an Amount to something
// other than the base unit string.
type AmountUnit int

// These constants define various units used when describing a Dash
// monetary amount.
const (
	AmountMegaDash  AmountUnit = 6
	AmountKiloDash  AmountUnit = 3
	AmountDash      AmountUnit = 0
	AmountMilliDash AmountUnit = -3
	AmountMicroDash AmountUnit = -6
	AmountDuff      AmountUnit = -8
)

// String returns the unit as a string. For recognized units, the SI
// prefix is used, otherwise "1e%d DASH" is used.
func (u AmountUnit) String() string {
	switch u {
	case AmountMegaDash:
		return "MDASH"
	case AmountKiloDash:
		return "kDASH"
	case AmountDash:
		return "DASH"
	case AmountMilliDash:
		return "mDASH"
	case AmountMicroDash:
		return "µDASH"
	case AmountDuff:
		return "Duff"
	default:
		return "1e" + strconv.FormatInt(int64(u), 10) + " DASH"
	}
}

// DuffPerDash is the number of duffs in one DASH (1e8), mirroring
// bitcoin's satoshi-per-bitcoin ratio.
const DuffPerDash = 1e8

// MaxDuff is the maximum transaction amount allowed in duffs, matching
// Dash's 21,000,000 DASH supply ceiling, for sanity-checking parsed
// amounts.
const MaxDuff = 21e6 * DuffPerDash

// ErrInvalidAmount is returned when an amount is invalid, e.g. NaN,
// out of range, or negative when a non-negative amount is required.
var ErrInvalidAmount = errors.New("dashutil: invalid amount")

// Amount represents the base Dash monetary unit (colloquially referred
// to as a "Duff"). A single Amount is equal to 1e-8 of a DASH.
type Amount int64

// round converts a floating point number, which may or may not be
// representing an amount in DASH, to an integer representing an amount
// in duffs. This is for internal use only.
func round(f float64) Amount {
	if f < 0 {
		return Amount(f - 0.5)
	}
	return Amount(f + 0.5)
}

// NewAmount creates an Amount from a floating point value representing
// an amount in DASH. NewAmount errors if f is NaN or +-Infinity, but
// does not check that the amount is within the total amount of DASH
// producible, since an Amount value is not perfectly equal to a
// single duff.
func NewAmount(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidAmount
	}

	return round(f * DuffPerDash), nil
}

// ToUnit converts a monetary amount counted in Dash base units to a
// floating point value representing an amount of the given unit.
func (a Amount) ToUnit(u AmountUnit) float64 {
	return float64(a) / math.Pow10(int(u+8))
}

// ToDASH is the equivalent of calling ToUnit with AmountDash.
func (a Amount) ToDASH() float64 {
	return a.ToUnit(AmountDash)
}

// Format formats a monetary amount counted in Dash base units as a
// string for a given unit. The conversion will succeed for any unit,
// however, known units will be formatted with an appended unit symbol.
func (a Amount) Format(u AmountUnit) string {
	units := " " + u.String()
	formatted := strconv.FormatFloat(a.ToUnit(u), 'f', -int(u+8), 64)
	if u == AmountDuff {
		formatted = strconv.FormatInt(int64(a), 10)
	}
	return formatted + units
}

// String is the equivalent of calling Format with AmountDash.
func (a Amount) String() string {
	return a.Format(AmountDash)
}

// MulF64 multiplies an Amount by a floating point value. While this is
// capable of both increasing and decreasing the amount, this
// implementation is useful for those that need to scale an amount by
// a percentage or fraction.
func (a Amount) MulF64(f float64) Amount {
	return round(float64(a) * f)
}
