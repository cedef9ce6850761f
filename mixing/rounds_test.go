// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/wtxmgr"
)

func denomScript(b byte) []byte {
	return []byte{0x76, 0xa9, 0x14, b, b, b}
}

func TestRoundsZeroForExternalOutput(t *testing.T) {
	store := wtxmgr.New(100)
	tracker := NewRoundTracker(&chaincfg.RegressionNetParams, store, 0)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(5e8, denomScript(1)))
	wtx, err := store.AddOrUpdate(tx, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}

	op := wire.OutPoint{Hash: wtx.Hash, Index: 0}
	if got := tracker.Rounds(op); got != 0 {
		t.Fatalf("Rounds = %d, want 0 for a non-mixed output", got)
	}
}

func TestRoundsRecursesThroughMixingTxs(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	denom := params.PrivateSendDenominations[0]

	store := wtxmgr.New(100)
	tracker := NewRoundTracker(params, store, 0)

	// Round 1: a recognized mix with two denominated outputs, neither
	// input traceable to an earlier mix (so each input reports 0).
	round1 := wire.NewMsgTx(wire.TxVersion)
	round1.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: [32]byte{0xaa}, Index: 0}, nil, nil))
	round1.AddTxOut(wire.NewTxOut(int64(denom), denomScript(1)))
	round1.AddTxOut(wire.NewTxOut(int64(denom), denomScript(2)))
	wtx1, err := store.AddOrUpdate(round1, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate round1: %v", err)
	}

	op1 := wire.OutPoint{Hash: wtx1.Hash, Index: 0}
	if got := tracker.Rounds(op1); got != 1 {
		t.Fatalf("Rounds(op1) = %d, want 1", got)
	}

	// Round 2: spends op1 as one of its inputs, again a recognized mix.
	round2 := wire.NewMsgTx(wire.TxVersion)
	round2.AddTxIn(wire.NewTxIn(&op1, nil, nil))
	round2.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: [32]byte{0xbb}, Index: 0}, nil, nil))
	round2.AddTxOut(wire.NewTxOut(int64(denom), denomScript(3)))
	round2.AddTxOut(wire.NewTxOut(int64(denom), denomScript(4)))
	wtx2, err := store.AddOrUpdate(round2, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate round2: %v", err)
	}

	op2 := wire.OutPoint{Hash: wtx2.Hash, Index: 0}
	if got := tracker.Rounds(op2); got != 2 {
		t.Fatalf("Rounds(op2) = %d, want 2", got)
	}
}

func TestRoundsCappedByLimit(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	denom := params.PrivateSendDenominations[0]

	store := wtxmgr.New(100)
	tracker := NewRoundTracker(params, store, 0)

	prevOp := wire.OutPoint{Hash: [32]byte{0xaa}, Index: 0}
	var lastOp wire.OutPoint
	for i := 0; i < 5; i++ {
		tx := wire.NewMsgTx(wire.TxVersion)
		tx.AddTxIn(wire.NewTxIn(&prevOp, nil, nil))
		tx.AddTxOut(wire.NewTxOut(int64(denom), denomScript(byte(i))))
		tx.AddTxOut(wire.NewTxOut(int64(denom), denomScript(byte(i+10))))
		tx.LockTime = uint32(i)
		wtx, err := store.AddOrUpdate(tx, nil, 0, time.Now(), false)
		if err != nil {
			t.Fatalf("AddOrUpdate round %d: %v", i, err)
		}
		lastOp = wire.OutPoint{Hash: wtx.Hash, Index: 0}
		prevOp = lastOp
	}

	if got := tracker.RoundsCapped(lastOp, 3); got != 3 {
		t.Fatalf("RoundsCapped = %d, want 3", got)
	}
}
