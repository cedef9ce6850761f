// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mixing supplies the wallet-side bookkeeping a PrivateSend
// mixing session needs: tracking how many completed mixing rounds back
// a denominated output, and assembling the small collateral
// transaction a session pays its fees with. The session protocol
// itself, and anything that talks to masternodes or peers, lives
// outside this package.
package mixing

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/wtxmgr"
)

// DefaultMaxRounds bounds how deep RoundTracker.Rounds will recurse
// before reporting a ceiling value, matching
// chaincfg.Params.PrivateSendMaxRounds when no tighter per-call limit
// is needed.
const DefaultMaxRounds = 16

// RoundTracker answers coinview.RoundsLookup by walking a transaction's
// inputs back through the ledger: an output's rounds is one more than
// the fewest rounds behind any input of the transaction that produced
// it, but only when that transaction is itself recognized as a mixing
// round. Outputs the wallet received directly, or whose creating
// transaction isn't a mix, have zero rounds.
type RoundTracker struct {
	params *chaincfg.Params
	store  *wtxmgr.Store

	mu        sync.Mutex
	maxRounds int
	cache     map[wire.OutPoint]int
}

// NewRoundTracker returns a RoundTracker over store, capping recursion
// at maxRounds. A maxRounds of zero or less uses DefaultMaxRounds.
func NewRoundTracker(params *chaincfg.Params, store *wtxmgr.Store, maxRounds int) *RoundTracker {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &RoundTracker{
		params:    params,
		store:     store,
		maxRounds: maxRounds,
		cache:     make(map[wire.OutPoint]int),
	}
}

// Rounds implements coinview.RoundsLookup, capping at the tracker's
// configured maxRounds.
func (t *RoundTracker) Rounds(op wire.OutPoint) int {
	return t.RoundsCapped(op, t.maxRounds)
}

// RoundsCapped computes op's mixing-round depth, capping recursion at
// limit regardless of the tracker's own default. Results are cached
// per outpoint; the cache is never invalidated by a shallower call, so
// the first limit a given outpoint is queried with sticks.
func (t *RoundTracker) RoundsCapped(op wire.OutPoint, limit int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roundsLocked(op, limit, make(map[wire.OutPoint]struct{}))
}

func (t *RoundTracker) roundsLocked(op wire.OutPoint, limit int, seen map[wire.OutPoint]struct{}) int {
	if limit <= 0 {
		return 0
	}
	if rounds, ok := t.cache[op]; ok {
		if rounds > limit {
			return limit
		}
		return rounds
	}
	if _, dup := seen[op]; dup {
		return 0
	}
	seen[op] = struct{}{}

	wtx, ok := t.store.Tx(op.Hash)
	if !ok {
		return 0
	}
	if !t.isMixingRound(&wtx.MsgTx) {
		t.cache[op] = 0
		return 0
	}

	best := -1
	for i := range wtx.MsgTx.TxIn {
		in := wtx.MsgTx.TxIn[i].PreviousOutPoint
		r := t.roundsLocked(in, limit-1, seen)
		if best == -1 || r < best {
			best = r
		}
	}
	if best == -1 {
		best = 0
	}

	rounds := best + 1
	if rounds > limit {
		rounds = limit
	}
	t.cache[op] = rounds
	return rounds
}

// isMixingRound recognizes a transaction as a PrivateSend mixing round
// by the shape PrivateSend always produces: two or more outputs that
// share an exact denomination amount, contributed by the session's
// participants alongside the wallet itself.
func (t *RoundTracker) isMixingRound(tx *wire.MsgTx) bool {
	counts := make(map[int]int)
	for _, out := range tx.TxOut {
		idx, ok := t.params.DenominationIndex(dashutil.Amount(out.Value))
		if !ok {
			continue
		}
		counts[idx]++
		if counts[idx] >= 2 {
			return true
		}
	}
	return false
}
