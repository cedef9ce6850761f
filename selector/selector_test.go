// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package selector

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/coinview"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/wtxmgr"
)

func output(amount dashutil.Amount, depth int, fromMe bool, index byte) coinview.Output {
	return coinview.Output{
		Credit: wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: [32]byte{index}, Index: 0},
			Amount:   amount,
		},
		Depth:             depth,
		Spendable:         true,
		Solvable:          true,
		Safe:              true,
		FromMe:            fromMe,
		MaxInputSize:      148,
		DenominationIndex: -1,
	}
}

var zeroFeeRate = dashutil.NewDuffPerVByte(0, 1)

func TestEligibleRespectsFromMeVsTheirs(t *testing.T) {
	mine := output(1e8, 0, true, 1)
	theirs := output(1e8, 0, false, 2)

	filter := EligibilityFilter{ConfMine: 0, ConfTheirs: 1, MaxAncestors: 10}
	if !eligible(mine, filter) {
		t.Fatal("expected zero-conf from-me output to be eligible")
	}
	if eligible(theirs, filter) {
		t.Fatal("expected zero-conf from-others output to be ineligible")
	}
}

func TestBranchAndBoundFindsExactMatch(t *testing.T) {
	coins := []coinview.Output{
		output(3e8, 6, true, 1),
		output(2e8, 6, true, 2),
		output(5e8, 6, true, 3),
	}

	selected, total, ok := branchAndBound(effectiveCandidates(coins, zeroFeeRate), 5e8, 1000)
	if !ok {
		t.Fatal("expected branch-and-bound to find an exact match")
	}
	if total != 5e8 {
		t.Fatalf("total = %v, want 5e8", total)
	}
	if len(selected) != 1 && len(selected) != 2 {
		t.Fatalf("unexpected selection size %d", len(selected))
	}
}

func TestBranchAndBoundFailsWithoutExactMatch(t *testing.T) {
	coins := []coinview.Output{
		output(3e8, 6, true, 1),
		output(7e8, 6, true, 2),
	}

	_, _, ok := branchAndBound(effectiveCandidates(coins, zeroFeeRate), 5e8, 0)
	if ok {
		t.Fatal("expected branch-and-bound to fail when no subset matches target exactly")
	}
}

func TestRandomizedKnapsackFindsSufficientTotal(t *testing.T) {
	coins := []coinview.Output{
		output(3e8, 6, true, 1),
		output(4e8, 6, true, 2),
		output(1e8, 6, true, 3),
	}

	selected, total, ok := randomizedKnapsack(effectiveCandidates(coins, zeroFeeRate), 5e8)
	if !ok {
		t.Fatal("expected randomized knapsack to find a sufficient selection")
	}
	if total < 5e8 {
		t.Fatalf("total = %v, want >= 5e8", total)
	}
	if len(selected) == 0 {
		t.Fatal("expected at least one selected output")
	}
}

func TestSelectCoinsMinConfFallsBackDownLadder(t *testing.T) {
	coins := []coinview.Output{
		output(5e8, 0, false, 1), // only eligible once ConfTheirs relaxes to 0
	}

	ladder := []EligibilityFilter{
		{ConfMine: 6, ConfTheirs: 6, MaxAncestors: 10},
		{ConfMine: 0, ConfTheirs: 0, MaxAncestors: 10},
	}

	_, _, _, ok := SelectCoinsMinConf(coins, 5e8, zeroFeeRate, 0, true, ladder[:1])
	if ok {
		t.Fatal("expected selection to fail under the strict-only ladder")
	}

	selected, total, _, ok := SelectCoinsMinConf(coins, 5e8, zeroFeeRate, 0, true, ladder)
	if !ok {
		t.Fatal("expected selection to succeed once the ladder relaxes")
	}
	if total != 5e8 || len(selected) != 1 {
		t.Fatalf("total = %v, len = %d, want 5e8 and 1", total, len(selected))
	}
}

func TestSelectByDenomination(t *testing.T) {
	denom := output(1e7, 6, true, 1)
	denom.DenominationIndex = 2
	denom.Rounds = 3

	tooFewRounds := output(1e7, 6, true, 2)
	tooFewRounds.DenominationIndex = 2
	tooFewRounds.Rounds = 0

	nondenom := output(3e8, 6, true, 3)

	coins := []coinview.Output{denom, tooFewRounds, nondenom}

	selected, total := SelectByDenomination(coins, 1<<2, 1, 1e7, 1, 16)
	if len(selected) != 1 {
		t.Fatalf("got %d outputs, want 1", len(selected))
	}
	if selected[0].OutPoint != denom.OutPoint {
		t.Fatal("selected unexpected output")
	}
	if total != 1e7 {
		t.Fatalf("total = %v, want 1e7", total)
	}
}
