// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/dashutil"
)

func newTestKeystore(t *testing.T) (*Keystore, *btcec.PrivateKey, []byte) {
	t.Helper()

	ks := New(&chaincfg.RegressionNetParams)

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()

	if err := ks.AddKey(priv, pub, KeyMeta{CreationTime: time.Now()}); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	return ks, priv, pub
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

func TestAddKeyAndHaveKey(t *testing.T) {
	ks, _, pub := newTestKeystore(t)

	if !ks.HaveKey(dashutil.Hash160(pub)) {
		t.Fatal("expected HaveKey to report true for added key")
	}
	if ks.HaveKey(dashutil.Hash160([]byte("not a real pubkey"))) {
		t.Fatal("expected HaveKey to report false for unknown key")
	}
}

func TestGetKeyPlain(t *testing.T) {
	ks, priv, pub := newTestKeystore(t)

	got, err := ks.GetKey(dashutil.Hash160(pub), false)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if !got.Key.Equals(&priv.Key) {
		t.Fatal("GetKey returned a different key than was added")
	}
}

func TestIsMineP2PKH(t *testing.T) {
	ks, _, pub := newTestKeystore(t)
	script := p2pkhScript(t, pub)

	if got := ks.IsMine(script); got != Spendable {
		t.Fatalf("IsMine = %v, want Spendable", got)
	}
}

func TestIsMineUnknownScript(t *testing.T) {
	ks := New(&chaincfg.RegressionNetParams)

	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	script := p2pkhScript(t, other.PubKey().SerializeCompressed())

	if got := ks.IsMine(script); got != NotMine {
		t.Fatalf("IsMine = %v, want NotMine", got)
	}
}

func TestIsMineP2SHRecursion(t *testing.T) {
	ks, _, pub := newTestKeystore(t)
	redeem := p2pkhScript(t, pub)

	if err := ks.AddScript(redeem); err != nil {
		t.Fatalf("AddScript: %v", err)
	}

	p2sh, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(dashutil.Hash160(redeem)).
		AddOp(txscript.OP_EQUAL).
		Script()
	if err != nil {
		t.Fatalf("build p2sh script: %v", err)
	}

	if got := ks.IsMine(p2sh); got != Spendable {
		t.Fatalf("IsMine = %v, want Spendable", got)
	}
}

func TestIsMineWatchOnlyScript(t *testing.T) {
	ks, _, pub := newTestKeystore(t)
	script := p2pkhScript(t, pub)

	ks2 := New(&chaincfg.RegressionNetParams)
	if err := ks2.AddWatchOnly(script, time.Now()); err != nil {
		t.Fatalf("AddWatchOnly: %v", err)
	}

	if got := ks2.IsMine(script); got != WatchOnly {
		t.Fatalf("IsMine = %v, want WatchOnly", got)
	}
}

func TestEncryptLockUnlock(t *testing.T) {
	ks, priv, pub := newTestKeystore(t)

	passphrase := []byte("correct horse battery staple")
	if err := ks.Encrypt(passphrase); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if ks.State() != StateLocked {
		t.Fatalf("state after Encrypt = %v, want StateLocked", ks.State())
	}

	if _, err := ks.GetKey(dashutil.Hash160(pub), false); err != ErrLocked {
		t.Fatalf("GetKey on locked keystore = %v, want ErrLocked", err)
	}

	if err := ks.Unlock([]byte("wrong passphrase"), false); err != ErrWrongPassphrase {
		t.Fatalf("Unlock with wrong passphrase = %v, want ErrWrongPassphrase", err)
	}

	if err := ks.Unlock(passphrase, false); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	got, err := ks.GetKey(dashutil.Hash160(pub), false)
	if err != nil {
		t.Fatalf("GetKey after unlock: %v", err)
	}
	if !got.Key.Equals(&priv.Key) {
		t.Fatal("GetKey returned a different key after encrypt round-trip")
	}

	if err := ks.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := ks.GetKey(dashutil.Hash160(pub), false); err != ErrLocked {
		t.Fatalf("GetKey after Lock = %v, want ErrLocked", err)
	}
}

func TestUnlockMixingOnly(t *testing.T) {
	ks, _, pub := newTestKeystore(t)

	passphrase := []byte("mixing only passphrase")
	if err := ks.Encrypt(passphrase); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := ks.Unlock(passphrase, true); err != nil {
		t.Fatalf("Unlock(mixingOnly): %v", err)
	}

	if _, err := ks.GetKey(dashutil.Hash160(pub), false); err != ErrLocked {
		t.Fatalf("GetKey(mixingOnly=false) on mixing-unlocked keystore = %v, want ErrLocked", err)
	}
	if _, err := ks.GetKey(dashutil.Hash160(pub), true); err != nil {
		t.Fatalf("GetKey(mixingOnly=true) on mixing-unlocked keystore: %v", err)
	}
}

func TestChangePassphrase(t *testing.T) {
	ks, priv, pub := newTestKeystore(t)

	oldPass := []byte("old passphrase")
	newPass := []byte("new passphrase")

	if err := ks.Encrypt(oldPass); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := ks.ChangePassphrase([]byte("wrong"), newPass); err != ErrWrongPassphrase {
		t.Fatalf("ChangePassphrase with wrong old passphrase = %v, want ErrWrongPassphrase", err)
	}

	if err := ks.ChangePassphrase(oldPass, newPass); err != nil {
		t.Fatalf("ChangePassphrase: %v", err)
	}

	if err := ks.Unlock(oldPass, false); err != ErrWrongPassphrase {
		t.Fatalf("Unlock with stale passphrase after change = %v, want ErrWrongPassphrase", err)
	}

	got, err := ks.GetKey(dashutil.Hash160(pub), false)
	if err != nil {
		t.Fatalf("GetKey after ChangePassphrase: %v", err)
	}
	if !got.Key.Equals(&priv.Key) {
		t.Fatal("GetKey returned a different key after ChangePassphrase")
	}
}

func TestEncryptTwiceFails(t *testing.T) {
	ks, _, _ := newTestKeystore(t)

	if err := ks.Encrypt([]byte("pass")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := ks.Encrypt([]byte("pass2")); err != ErrAlreadyEncrypted {
		t.Fatalf("second Encrypt = %v, want ErrAlreadyEncrypted", err)
	}
}
