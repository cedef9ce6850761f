// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
)

func coinbaseLikeTx(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

func spendTx(prev wire.OutPoint, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

func TestAddOrUpdateNewUnconfirmed(t *testing.T) {
	s := New(100)
	tx := coinbaseLikeTx(5e8)

	wtx, err := s.AddOrUpdate(tx, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	if wtx.IsMined() {
		t.Fatal("freshly added unconfirmed tx reports IsMined")
	}
	if d := s.Depth(wtx.Hash); d != 0 {
		t.Fatalf("Depth = %d, want 0", d)
	}
}

func TestAddOrUpdateConfirmed(t *testing.T) {
	s := New(100)
	tx := coinbaseLikeTx(5e8)

	block := &BlockMeta{Block: Block{Hash: hashFromByte(1), Height: 10}, Time: time.Now()}
	wtx, err := s.AddOrUpdate(tx, block, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}

	s.BlockConnected(Block{Hash: hashFromByte(1), Height: 10}, nil)

	if d := s.Depth(wtx.Hash); d != 1 {
		t.Fatalf("Depth = %d, want 1", d)
	}
}

func TestIsSpentAndConflictDetection(t *testing.T) {
	s := New(100)
	funding := coinbaseLikeTx(1e8)
	fundingRec, err := s.AddOrUpdate(funding, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate funding: %v", err)
	}

	op := wire.OutPoint{Hash: fundingRec.Hash, Index: 0}

	spend1 := spendTx(op, 9e7)
	rec1, err := s.AddOrUpdate(spend1, nil, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate spend1: %v", err)
	}

	if !s.IsSpent(op) {
		t.Fatal("IsSpent = false after spend1 added")
	}

	spend2 := spendTx(op, 8e7)
	block := &BlockMeta{Block: Block{Hash: hashFromByte(2), Height: 5}, Time: time.Now()}
	if _, err := s.AddOrUpdate(spend2, block, 0, time.Now(), false); err != nil {
		t.Fatalf("AddOrUpdate spend2: %v", err)
	}
	s.BlockConnected(Block{Hash: hashFromByte(2), Height: 5}, nil)

	rec1After, _ := s.Tx(rec1.Hash)
	if !rec1After.Conflicted {
		t.Fatal("expected unconfirmed double-spend to be marked conflicted")
	}

	conflicts := s.GetConflicts(rec1.Hash)
	if _, ok := conflicts[spend2.TxHash()]; !ok {
		t.Fatal("GetConflicts did not report spend2 as conflicting with spend1")
	}
}

func TestAbandonRefusesConfirmed(t *testing.T) {
	s := New(100)
	tx := coinbaseLikeTx(1e8)
	block := &BlockMeta{Block: Block{Hash: hashFromByte(3), Height: 1}, Time: time.Now()}
	wtx, _ := s.AddOrUpdate(tx, block, 0, time.Now(), false)
	s.BlockConnected(Block{Hash: hashFromByte(3), Height: 1}, nil)

	if err := s.Abandon(wtx.Hash); err != ErrAlreadyConfirmed {
		t.Fatalf("Abandon confirmed tx = %v, want ErrAlreadyConfirmed", err)
	}
}

func TestAbandonUnconfirmedAndDescendants(t *testing.T) {
	s := New(100)
	funding := coinbaseLikeTx(1e8)
	fundingRec, _ := s.AddOrUpdate(funding, nil, 0, time.Now(), false)

	op := wire.OutPoint{Hash: fundingRec.Hash, Index: 0}
	child := spendTx(op, 9e7)
	childRec, _ := s.AddOrUpdate(child, nil, 0, time.Now(), false)

	if err := s.Abandon(fundingRec.Hash); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	if d := s.Depth(fundingRec.Hash); d != DepthUnknown {
		t.Fatalf("Depth(abandoned) = %d, want %d", d, DepthUnknown)
	}
	if d := s.Depth(childRec.Hash); d != DepthUnknown {
		t.Fatalf("Depth(abandoned descendant) = %d, want %d", d, DepthUnknown)
	}
	if s.IsSpent(op) {
		t.Fatal("IsSpent still true after abandoning the only spender")
	}
}

func TestBlockDisconnectedUnconfirms(t *testing.T) {
	s := New(100)
	tx := coinbaseLikeTx(1e8)
	block := &BlockMeta{Block: Block{Hash: hashFromByte(4), Height: 7}, Time: time.Now()}
	wtx, _ := s.AddOrUpdate(tx, block, 0, time.Now(), false)
	s.BlockConnected(Block{Hash: hashFromByte(4), Height: 7}, nil)

	s.BlockDisconnected(Block{Hash: hashFromByte(4), Height: 7})

	got, _ := s.Tx(wtx.Hash)
	if got.IsMined() {
		t.Fatal("tx still reports IsMined after its block was disconnected")
	}
	if d := s.Depth(wtx.Hash); d != 0 {
		t.Fatalf("Depth after disconnect = %d, want 0", d)
	}
}

func TestRelayPendingOnlyUnconfirmed(t *testing.T) {
	s := New(100)
	old := time.Now().Add(-time.Hour)

	pendingTx := coinbaseLikeTx(1e8)
	pendingRec, _ := s.AddOrUpdate(pendingTx, nil, 0, old, false)

	minedTx := coinbaseLikeTx(2e8)
	block := &BlockMeta{Block: Block{Hash: hashFromByte(5), Height: 3}, Time: old}
	minedRec, _ := s.AddOrUpdate(minedTx, block, 0, old, false)
	s.BlockConnected(Block{Hash: hashFromByte(5), Height: 3}, nil)

	pending := s.RelayPending(time.Now())

	found := false
	for _, p := range pending {
		if p.Hash == minedRec.Hash {
			t.Fatal("RelayPending included a mined transaction")
		}
		if p.Hash == pendingRec.Hash {
			found = true
		}
	}
	if !found {
		t.Fatal("RelayPending did not include the unconfirmed transaction")
	}
}

func hashFromByte(b byte) (h [32]byte) {
	h[0] = b
	return h
}
