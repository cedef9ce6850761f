// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/dashutil"
)

// Credit describes a transaction output the wallet controls: an
// outpoint, the block it was confirmed in (if any), and the metadata
// coin selection needs to decide whether it is eligible to spend.
type Credit struct {
	wire.OutPoint
	BlockMeta
	Amount       dashutil.Amount
	PkScript     []byte
	Received     time.Time
	FromCoinBase bool
}

// UnspentOutputs returns every output the store knows of that is not
// currently claimed by a recorded spend, across every tracked
// transaction. Coin selection filters and narrows
// this set further; this method only answers "exists and is unspent".
func (s *Store) UnspentOutputs() []Credit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var credits []Credit
	for hash, tx := range s.txs {
		if tx.Abandoned || tx.Conflicted {
			continue
		}
		for i, out := range tx.MsgTx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			spent := false
			for _, c := range s.spends[op] {
				if claimant, ok := s.txs[c.spender]; ok && !claimant.Conflicted && !claimant.Abandoned {
					spent = true
					break
				}
			}
			if spent {
				continue
			}

			credits = append(credits, Credit{
				OutPoint: op,
				BlockMeta: BlockMeta{
					Block: tx.Block,
					Time:  tx.TimeSmart,
				},
				Amount:       dashutil.Amount(out.Value),
				PkScript:     out.PkScript,
				Received:     tx.TimeReceived,
				FromCoinBase: i == 0 && len(tx.MsgTx.TxIn) == 1 && tx.MsgTx.TxIn[0].PreviousOutPoint.Index == wire.MaxPrevOutIndex,
			})
		}
	}
	return credits
}
