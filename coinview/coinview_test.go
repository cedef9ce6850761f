// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinview

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/keystore"
	"github.com/dashwallet/core/wtxmgr"
)

func newTestView(t *testing.T) (*View, *keystore.Keystore, *wtxmgr.Store, []byte) {
	t.Helper()

	ks := keystore.New(&chaincfg.RegressionNetParams)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	if err := ks.AddKey(priv, pub, keystore.KeyMeta{CreationTime: time.Now()}); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	store := wtxmgr.New(100)
	view := New(&chaincfg.RegressionNetParams, store, ks, nil)

	return view, ks, store, pub
}

func p2pkhScript(t *testing.T, pub []byte) []byte {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(dashutil.Hash160(pub)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		t.Fatalf("build p2pkh script: %v", err)
	}
	return script
}

func fundingTx(script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

func TestAvailableCoinsExcludesUnsafeUnconfirmed(t *testing.T) {
	view, _, store, pub := newTestView(t)
	script := p2pkhScript(t, pub)

	// An unconfirmed output the wallet did not create itself (no
	// tracked input) is not from-me, so only_safe must drop it.
	tx := fundingTx(script, 5e8)
	if _, err := store.AddOrUpdate(tx, nil, 0, time.Now(), false); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}

	filter := DefaultFilter()
	coins := view.AvailableCoins(filter)
	if len(coins) != 0 {
		t.Fatalf("got %d coins, want 0 for unsafe unconfirmed output", len(coins))
	}

	filter.OnlySafe = false
	coins = view.AvailableCoins(filter)
	if len(coins) != 1 {
		t.Fatalf("got %d coins, want 1 with OnlySafe disabled", len(coins))
	}
	if !coins[0].Spendable {
		t.Fatal("expected coin to be spendable")
	}
}

func TestAvailableCoinsIncludesConfirmedOutput(t *testing.T) {
	view, _, store, pub := newTestView(t)
	script := p2pkhScript(t, pub)

	tx := fundingTx(script, 5e8)
	block := &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: [32]byte{1}, Height: 10},
		Time:  time.Now(),
	}
	wtx, err := store.AddOrUpdate(tx, block, 0, time.Now(), false)
	if err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	store.BlockConnected(wtxmgr.Block{Hash: [32]byte{1}, Height: 10}, nil)

	coins := view.AvailableCoins(DefaultFilter())
	if len(coins) != 1 {
		t.Fatalf("got %d coins, want 1", len(coins))
	}
	if coins[0].Hash != wtx.Hash {
		t.Fatal("returned coin does not match funded tx")
	}
	if coins[0].Depth != 1 {
		t.Fatalf("Depth = %d, want 1", coins[0].Depth)
	}
	if coins[0].MaxInputSize <= 0 {
		t.Fatal("expected a positive MaxInputSize estimate")
	}
}

func TestAvailableCoinsDenominationFilter(t *testing.T) {
	view, _, store, pub := newTestView(t)
	script := p2pkhScript(t, pub)

	denom := chaincfg.RegressionNetParams.PrivateSendDenominations[2] // 0.1 DASH
	plain := dashutil.Amount(3 * dashutil.DuffPerDash)

	denomTx := fundingTx(script, int64(denom))
	plainTx := fundingTx(script, int64(plain))

	block := &wtxmgr.BlockMeta{Block: wtxmgr.Block{Hash: [32]byte{2}, Height: 5}, Time: time.Now()}
	if _, err := store.AddOrUpdate(denomTx, block, 0, time.Now(), false); err != nil {
		t.Fatalf("AddOrUpdate denomTx: %v", err)
	}
	if _, err := store.AddOrUpdate(plainTx, block, 1, time.Now(), false); err != nil {
		t.Fatalf("AddOrUpdate plainTx: %v", err)
	}
	store.BlockConnected(wtxmgr.Block{Hash: [32]byte{2}, Height: 5}, nil)

	filter := DefaultFilter()
	filter.CoinType = OnlyDenominated
	coins := view.AvailableCoins(filter)
	if len(coins) != 1 {
		t.Fatalf("got %d denominated coins, want 1", len(coins))
	}
	if coins[0].DenominationIndex != 2 {
		t.Fatalf("DenominationIndex = %d, want 2", coins[0].DenominationIndex)
	}

	filter.CoinType = OnlyNondenominated
	coins = view.AvailableCoins(filter)
	if len(coins) != 1 {
		t.Fatalf("got %d nondenominated coins, want 1", len(coins))
	}
	if coins[0].Amount != plain {
		t.Fatalf("Amount = %v, want %v", coins[0].Amount, plain)
	}
}

func TestAvailableCoinsMaxCountStopsEarly(t *testing.T) {
	view, _, store, pub := newTestView(t)
	script := p2pkhScript(t, pub)

	block := &wtxmgr.BlockMeta{Block: wtxmgr.Block{Hash: [32]byte{3}, Height: 1}, Time: time.Now()}
	for i := 0; i < 5; i++ {
		tx := fundingTx(script, 1e8)
		tx.LockTime = uint32(i)
		if _, err := store.AddOrUpdate(tx, block, i, time.Now(), false); err != nil {
			t.Fatalf("AddOrUpdate: %v", err)
		}
	}
	store.BlockConnected(wtxmgr.Block{Hash: [32]byte{3}, Height: 1}, nil)

	filter := DefaultFilter()
	filter.MaxCount = 2
	coins := view.AvailableCoins(filter)
	if len(coins) != 2 {
		t.Fatalf("got %d coins, want 2 with MaxCount=2", len(coins))
	}
}
