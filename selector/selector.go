// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package selector chooses which coinview outputs fund a transaction:
// an exhaustive branch-and-bound search for an exact, changeless
// match, a randomized knapsack fallback when no exact match exists,
// and the eligibility ladder SelectCoinsMinConf walks to progressively
// relax confirmation and ancestor-chain requirements when a stricter
// pass comes up short. A denomination-aware selector on top of these
// serves the PrivateSend mixing subsystem.
package selector

import (
	"sort"

	"github.com/dashwallet/core/coinview"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/internal/cprng"
)

// EligibilityFilter is one rung of the SelectCoinsMinConf ladder: the
// minimum confirmations an output needs depending on whether the
// wallet itself created it (ConfMine) or received it from elsewhere
// (ConfTheirs), and the maximum number of unconfirmed ancestors its
// transaction may have.
type EligibilityFilter struct {
	ConfMine     int
	ConfTheirs   int
	MaxAncestors int
}

// noAncestorLimit stands in for "whatever the node's own mempool
// policy enforces"; this selector never needs a tighter bound than
// that except on the deliberately-restrictive third rung below.
const noAncestorLimit = 1 << 30

// DefaultLadder is the eligibility ladder SelectCoinsMinConf walks in
// order, from strictest to most permissive. spendZeroConfChange, if
// true, appends a rung that accepts the wallet's own zero-conf change
// outputs.
func DefaultLadder(spendZeroConfChange bool) []EligibilityFilter {
	ladder := []EligibilityFilter{
		{ConfMine: 6, ConfTheirs: 1, MaxAncestors: noAncestorLimit},
		{ConfMine: 1, ConfTheirs: 1, MaxAncestors: noAncestorLimit},
		{ConfMine: 0, ConfTheirs: 1, MaxAncestors: 2},
	}
	if spendZeroConfChange {
		ladder = append(ladder, EligibilityFilter{
			ConfMine: 0, ConfTheirs: 1, MaxAncestors: noAncestorLimit,
		})
	}
	return ladder
}

// bnbTryLimit bounds the branch-and-bound search's exploration.
const bnbTryLimit = 100000

// knapsackPasses is the number of randomized passes the knapsack
// fallback performs before giving up.
const knapsackPasses = 1000

// EffectiveValue is an output's value minus the fee required to spend
// it at feeRate, the quantity branch-and-bound and the knapsack
// fallback both search over.
func EffectiveValue(o coinview.Output, feeRate dashutil.DuffPerVByte) dashutil.Amount {
	return o.Amount - feeRate.FeeForVSize(int64(o.MaxInputSize))
}

// CostOfChange is the fixed extra cost of creating a change output now
// (serialized at changeOutputSize and paid at feeRate) plus spending
// it back out later (serialized at changeSpendSize and paid at
// discardRate). Branch-and-bound treats any exact match within this
// much of the target as acceptable, since it would cost at least this
// much more to instead create and later spend a change output.
func CostOfChange(feeRate, discardRate dashutil.DuffPerVByte, changeOutputSize, changeSpendSize int64) dashutil.Amount {
	return feeRate.FeeForVSize(changeOutputSize) + discardRate.FeeForVSize(changeSpendSize)
}

// eligible reports whether o satisfies filter.
func eligible(o coinview.Output, filter EligibilityFilter) bool {
	minConf := filter.ConfTheirs
	if o.FromMe {
		minConf = filter.ConfMine
	}
	if o.Depth < minConf {
		return false
	}
	return o.AncestorCount <= filter.MaxAncestors
}

type candidate struct {
	output   coinview.Output
	effValue dashutil.Amount
}

func effectiveCandidates(coins []coinview.Output, feeRate dashutil.DuffPerVByte) []candidate {
	out := make([]candidate, len(coins))
	for i, o := range coins {
		out[i] = candidate{output: o, effValue: EffectiveValue(o, feeRate)}
	}
	return out
}

// SelectCoinsMinConf tries each filter in the ladder in order, and
// within each one tries branch-and-bound (if useBnB) before falling
// back to the randomized knapsack. It returns the first selection
// that meets target, and whether branch-and-bound produced it.
func SelectCoinsMinConf(coins []coinview.Output, target dashutil.Amount,
	feeRate dashutil.DuffPerVByte, costOfChange dashutil.Amount, useBnB bool,
	filters []EligibilityFilter) (selected []coinview.Output, total dashutil.Amount, usedBnB, ok bool) {

	for _, filter := range filters {
		var eligibleCoins []coinview.Output
		for _, o := range coins {
			if eligible(o, filter) {
				eligibleCoins = append(eligibleCoins, o)
			}
		}
		if len(eligibleCoins) == 0 {
			continue
		}

		candidates := effectiveCandidates(eligibleCoins, feeRate)

		if useBnB {
			if sel, tot, ok := branchAndBound(candidates, target, costOfChange); ok {
				return sel, tot, true, true
			}
		}

		if sel, tot, ok := randomizedKnapsack(candidates, target); ok {
			return sel, tot, false, true
		}
	}

	return nil, 0, false, false
}

// branchAndBound performs an exhaustive depth-first search over
// effective-value-sorted candidates for a subset whose summed
// effective value falls in [target, target+costOfChange]: an exact
// match that needs no change output. It is bounded by bnbTryLimit and
// returns ok=false if exhausted without finding any match.
func branchAndBound(candidates []candidate, target, costOfChange dashutil.Amount) (selected []coinview.Output, total dashutil.Amount, ok bool) {
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].effValue > sorted[j].effValue })

	var (
		selection, best []int
		bestWaste       dashutil.Amount
		curValue        dashutil.Amount
		tries           = bnbTryLimit
	)

	var search func(depth int) bool
	search = func(depth int) bool {
		if tries <= 0 {
			return false
		}
		tries--

		if curValue > target+costOfChange {
			return false
		}
		if curValue >= target {
			waste := curValue - target
			if best == nil || waste < bestWaste {
				best = append(best[:0], selection...)
				bestWaste = waste
			}
			if waste == 0 {
				return true
			}
		}
		if depth >= len(sorted) {
			return false
		}

		selection = append(selection, depth)
		curValue += sorted[depth].effValue
		if search(depth + 1) {
			return true
		}
		curValue -= sorted[depth].effValue
		selection = selection[:len(selection)-1]

		return search(depth + 1)
	}
	search(0)

	if best == nil {
		return nil, 0, false
	}
	for _, idx := range best {
		selected = append(selected, sorted[idx].output)
		total += sorted[idx].output.Amount
	}
	return selected, total, true
}

// randomizedKnapsack shuffles candidates and greedily includes them
// in shuffled order until their summed effective value reaches
// target, repeating knapsackPasses times and keeping the
// lowest-total (ties broken toward fewer inputs) passing attempt.
func randomizedKnapsack(candidates []candidate, target dashutil.Amount) (selected []coinview.Output, total dashutil.Amount, ok bool) {
	if len(candidates) == 0 {
		return nil, 0, false
	}

	indices := make([]int, len(candidates))
	for i := range indices {
		indices[i] = i
	}

	var best []int
	var bestTotal dashutil.Amount

	for pass := 0; pass < knapsackPasses; pass++ {
		cprng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		var attempt []int
		var attemptTotal dashutil.Amount
		for _, idx := range indices {
			if attemptTotal >= target {
				break
			}
			attempt = append(attempt, idx)
			attemptTotal += candidates[idx].effValue
		}
		if attemptTotal < target {
			continue
		}

		if best == nil || attemptTotal < bestTotal ||
			(attemptTotal == bestTotal && len(attempt) < len(best)) {
			best = append([]int(nil), attempt...)
			bestTotal = attemptTotal
		}
	}

	if best == nil {
		return nil, 0, false
	}
	for _, idx := range best {
		selected = append(selected, candidates[idx].output)
		total += candidates[idx].output.Amount
	}
	return selected, total, true
}

// SelectByDenomination implements select_by_denomination: returns
// coins whose amount matches one of the PrivateSend denomination
// rungs named by denomBitmap (bit i selects
// chaincfg.Params.PrivateSendDenominations[i]) and whose mixing-round
// depth lies in [roundsMin, roundsMax], accumulating until the total
// reaches min or would exceed max.
func SelectByDenomination(coins []coinview.Output, denomBitmap uint32,
	min, max dashutil.Amount, roundsMin, roundsMax int) (selected []coinview.Output, total dashutil.Amount) {

	for _, o := range coins {
		if o.DenominationIndex < 0 {
			continue
		}
		if denomBitmap&(1<<uint(o.DenominationIndex)) == 0 {
			continue
		}
		if o.Rounds < roundsMin || o.Rounds > roundsMax {
			continue
		}
		if total+o.Amount > max {
			continue
		}

		selected = append(selected, o)
		total += o.Amount

		if total >= min {
			break
		}
	}

	return selected, total
}
