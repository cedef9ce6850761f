// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinview enumerates the wallet's unspent outputs, narrowed and
// annotated by the filter criteria that coin selection needs: safety,
// PrivateSend coin type, amount bounds, depth bounds, and an optional
// manual coin-control selection.
package coinview

import (
	"math"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/keystore"
	"github.com/dashwallet/core/wallet/txsizes"
	"github.com/dashwallet/core/wtxmgr"
)

// CoinType narrows AvailableCoins to a PrivateSend-aware subset of the
// wallet's outputs.
type CoinType int

// Coin types recognized by Filter.CoinType.
const (
	AllCoins CoinType = iota
	OnlyDenominated
	OnlyNondenominated
	OnlyNodeCollateral
	OnlyMixingCollateral
)

// RoundsLookup answers how many completed PrivateSend mixing rounds back
// an output's value traces. A mixing implementation supplies a real one;
// callers with no mixing state in play can leave Filter's View built
// with a nil lookup, which reports 0 rounds for everything.
type RoundsLookup interface {
	Rounds(op wire.OutPoint) int
}

type noRounds struct{}

func (noRounds) Rounds(wire.OutPoint) int { return 0 }

// CoinControl optionally overrides which outpoints AvailableCoins
// considers: Select, if non-empty, restricts the result to exactly
// those outpoints; Exclude removes outpoints regardless of Select.
type CoinControl struct {
	Select        []wire.OutPoint
	Exclude       map[wire.OutPoint]struct{}
	ChangeAddress dashutil.Address

	// PreserveOrder, when set, tells a transaction builder to leave
	// selected inputs in the order Select lists them instead of
	// applying BIP-69 ordering.
	PreserveOrder bool
}

// Filter configures AvailableCoins.
type Filter struct {
	// OnlySafe excludes unconfirmed outputs that are not known to be
	// from the wallet itself, and outputs of an unconfirmed transaction
	// that signals BIP125 replace-by-fee. Mined outputs are always safe.
	OnlySafe bool

	CoinType CoinType

	MinAmount dashutil.Amount
	MaxAmount dashutil.Amount

	// MinSum and MaxCount bound how much work AvailableCoins does:
	// once either is reached, enumeration stops early. Zero means
	// unbounded.
	MinSum   dashutil.Amount
	MaxCount int

	MinDepth int
	MaxDepth int

	Control *CoinControl
}

// DefaultFilter returns a Filter that excludes nothing but unsafe
// outputs and is otherwise unbounded.
func DefaultFilter() Filter {
	return Filter{
		OnlySafe:  true,
		CoinType:  AllCoins,
		MaxAmount: dashutil.MaxDuff,
		MaxDepth:  math.MaxInt32,
	}
}

// Output is a single entry returned by AvailableCoins: enough about a
// wallet-controlled transaction output to decide whether, and how
// cheaply, it can be spent.
type Output struct {
	wtxmgr.Credit

	Depth     int
	Spendable bool
	Solvable  bool
	Safe      bool

	// FromMe reports whether the wallet itself created the
	// transaction that produced this output.
	FromMe bool

	// AncestorCount is the number of unconfirmed, wallet-known
	// ancestor transactions behind this output's transaction.
	AncestorCount int

	// MaxInputSize is the worst case serialized byte size this output
	// adds to a transaction once signed.
	MaxInputSize int

	// DenominationIndex is the rung of the PrivateSend denomination
	// ladder this output's amount exactly matches, or -1 if it isn't
	// denominated.
	DenominationIndex int

	// Rounds is the PrivateSend mixing-round depth reported by the
	// view's RoundsLookup.
	Rounds int
}

// View answers AvailableCoins against a transaction ledger and the
// keystore that resolves script ownership.
type View struct {
	params *chaincfg.Params
	store  *wtxmgr.Store
	keys   *keystore.Keystore
	rounds RoundsLookup
}

// New returns a View over store and keys. rounds may be nil if the
// caller has no PrivateSend mixing state to consult.
func New(params *chaincfg.Params, store *wtxmgr.Store, keys *keystore.Keystore, rounds RoundsLookup) *View {
	if rounds == nil {
		rounds = noRounds{}
	}
	return &View{params: params, store: store, keys: keys, rounds: rounds}
}

// AvailableCoins implements available_coins: every unspent output the
// wallet knows of that survives filter, in the store's unspecified
// enumeration order.
func (v *View) AvailableCoins(filter Filter) []Output {
	credits := v.store.UnspentOutputs()

	var included map[wire.OutPoint]struct{}
	var excluded map[wire.OutPoint]struct{}
	if filter.Control != nil {
		if len(filter.Control.Select) > 0 {
			included = make(map[wire.OutPoint]struct{}, len(filter.Control.Select))
			for _, op := range filter.Control.Select {
				included[op] = struct{}{}
			}
		}
		excluded = filter.Control.Exclude
	}

	var out []Output
	var sum dashutil.Amount

	for _, c := range credits {
		if included != nil {
			if _, ok := included[c.OutPoint]; !ok {
				continue
			}
		}
		if _, ok := excluded[c.OutPoint]; ok {
			continue
		}

		depth := v.store.Depth(c.Hash)
		if depth == wtxmgr.DepthUnknown || depth < 0 {
			continue
		}
		if depth < filter.MinDepth || depth > filter.MaxDepth {
			continue
		}

		if c.Amount < filter.MinAmount {
			continue
		}
		if filter.MaxAmount > 0 && c.Amount > filter.MaxAmount {
			continue
		}

		ownership := v.keys.IsMine(c.PkScript)
		if ownership == keystore.NotMine {
			continue
		}

		safe := v.isSafe(c, depth)
		if filter.OnlySafe && !safe {
			continue
		}

		denomIdx := -1
		if idx, ok := v.params.DenominationIndex(c.Amount); ok {
			denomIdx = idx
		}

		switch filter.CoinType {
		case OnlyDenominated:
			if denomIdx < 0 {
				continue
			}
		case OnlyNondenominated:
			if denomIdx >= 0 {
				continue
			}
		case OnlyNodeCollateral, OnlyMixingCollateral:
			if c.Amount != v.params.PrivateSendCollateralAmount {
				continue
			}
		}

		out = append(out, Output{
			Credit:            c,
			Depth:             depth,
			Spendable:         ownership == keystore.Spendable,
			Solvable:          true,
			Safe:              safe,
			FromMe:            v.store.IsFromMe(c.Hash),
			AncestorCount:     v.store.AncestorCount(c.Hash),
			MaxInputSize:      txsizes.GetMinInputVirtualSize(c.PkScript),
			DenominationIndex: denomIdx,
			Rounds:            v.rounds.Rounds(c.OutPoint),
		})
		sum += c.Amount

		if filter.MaxCount > 0 && len(out) >= filter.MaxCount {
			break
		}
		if filter.MinSum > 0 && sum >= filter.MinSum {
			break
		}
	}

	return out
}

// isSafe reports whether an unspent output at the given depth is safe
// to spend under only_safe: mined outputs always are; an unconfirmed
// output is safe only if the wallet created the transaction that produced
// it and that transaction does not signal replace-by-fee.
func (v *View) isSafe(c wtxmgr.Credit, depth int) bool {
	if depth > 0 {
		return true
	}
	return v.store.IsFromMe(c.Hash) && !v.store.IsReplaceable(c.Hash)
}
