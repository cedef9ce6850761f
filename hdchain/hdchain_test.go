// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hdchain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dashwallet/core/chaincfg"
)

func testProvider(t *testing.T) PrivKeyProvider {
	t.Helper()

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}

	return func() (*hdkeychain.ExtendedKey, error) {
		return master, nil
	}
}

func TestDeriveNextAdvancesCounters(t *testing.T) {
	c := New(&chaincfg.RegressionNetParams, testProvider(t))

	idx0, pub0, err := c.DeriveNext(false)
	if err != nil {
		t.Fatalf("DeriveNext: %v", err)
	}
	if idx0 != 0 {
		t.Fatalf("first external index = %d, want 0", idx0)
	}

	idx1, pub1, err := c.DeriveNext(false)
	if err != nil {
		t.Fatalf("DeriveNext: %v", err)
	}
	if idx1 != 1 {
		t.Fatalf("second external index = %d, want 1", idx1)
	}
	if bytes.Equal(pub0, pub1) {
		t.Fatal("consecutive external keys must differ")
	}
}

func TestReDeriveIsDeterministic(t *testing.T) {
	provider := testProvider(t)
	c := New(&chaincfg.RegressionNetParams, provider)

	_, pub0, err := c.DeriveNext(false)
	if err != nil {
		t.Fatalf("DeriveNext: %v", err)
	}

	priv, err := c.DerivePrivateKey(false, 0)
	if err != nil {
		t.Fatalf("DerivePrivateKey: %v", err)
	}
	rederived := priv.PubKey().SerializeCompressed()

	if !bytes.Equal(pub0, rederived) {
		t.Fatal("re-deriving index 0 produced a different key")
	}
}

func TestEnableSplitResetsInternalCounter(t *testing.T) {
	c := New(&chaincfg.RegressionNetParams, testProvider(t))

	if _, _, err := c.DeriveNext(true); err != nil {
		t.Fatalf("DeriveNext(internal): %v", err)
	}
	if _, _, err := c.DeriveNext(true); err != nil {
		t.Fatalf("DeriveNext(internal): %v", err)
	}

	_, internalBefore := c.NextIndexes()
	if internalBefore != 2 {
		t.Fatalf("internal counter before split = %d, want 2", internalBefore)
	}

	c.EnableSplit()
	if !c.Split() {
		t.Fatal("Split() = false after EnableSplit")
	}

	_, internalAfter := c.NextIndexes()
	if internalAfter != 0 {
		t.Fatalf("internal counter after EnableSplit = %d, want 0", internalAfter)
	}

	c.EnableSplit()
	if !c.Split() {
		t.Fatal("Split() = false after second EnableSplit call")
	}
}

func TestPreSplitSharesExternalBranch(t *testing.T) {
	provider := testProvider(t)
	c := New(&chaincfg.RegressionNetParams, provider)

	_, extPub, err := c.DeriveNext(false)
	if err != nil {
		t.Fatalf("DeriveNext(external): %v", err)
	}

	c2 := New(&chaincfg.RegressionNetParams, provider)
	_, intPub, err := c2.DeriveNext(true)
	if err != nil {
		t.Fatalf("DeriveNext(internal, pre-split): %v", err)
	}

	if !bytes.Equal(extPub, intPub) {
		t.Fatal("pre-split external[0] and internal[0] should derive identically")
	}
}
