// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hdchain implements the wallet's HD chain: the BIP32/BIP44-style
// external/internal child-index counters derived from a wallet's master
// seed, following the derivation path convention external m/0'/0'/k,
// internal m/0'/1'/k (post-split), with pre-split wallets using
// m/0'/0'/k for both lanes and carrying no internal counter at all.
package hdchain

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/dashwallet/core/chaincfg"
)

// Hardened child indexes for the account-level derivation path, per
// BIP44: purpose'/coin_type'/account'. This package derives a single
// default account (0) directly below the coin type, matching the
// source's single-account wallet model.
const (
	hardenedKeyStart = hdkeychain.HardenedKeyStart
	accountIndex     = hardenedKeyStart + 0
	externalBranch   = hardenedKeyStart + 0
	internalBranch   = hardenedKeyStart + 1
)

// ErrLocked is returned by DeriveNext when the chain's extended private
// key is not available because the keystore backing it is locked.
var ErrLocked = errors.New("hdchain: extended private key unavailable, keystore locked")

// PrivKeyProvider supplies the decrypted account extended private key on
// demand. The keystore that guards it decides whether to return
// ErrLocked; Chain itself holds no secret material once a child key has
// been derived, keeping key custody and index bookkeeping separate.
type PrivKeyProvider func() (*hdkeychain.ExtendedKey, error)

// Chain tracks the next unused child index for a wallet's external and
// internal derivation lanes, and derives additional keys on request. Its
// methods are safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	params *chaincfg.Params

	provider PrivKeyProvider

	// split records whether this chain has adopted the post-split
	// m/0'/1'/k internal lane. Once true, it must never become false
	// again: callers that serialize Chain for persistence must encode
	// this flag and refuse to clear it on load.
	split bool

	nextExternal uint32
	nextInternal uint32
}

// New returns a Chain for params backed by provider, starting in the
// pre-split state (external-only, shared with internal) used by legacy
// wallets. Callers that know their wallet was created post-split should
// call EnableSplit immediately.
func New(params *chaincfg.Params, provider PrivKeyProvider) *Chain {
	return &Chain{params: params, provider: provider}
}

// Restore returns a Chain initialized from persisted counters and split
// state, for use when loading an existing wallet.
func Restore(params *chaincfg.Params, provider PrivKeyProvider, nextExternal, nextInternal uint32, split bool) *Chain {
	return &Chain{
		params:       params,
		provider:     provider,
		split:        split,
		nextExternal: nextExternal,
		nextInternal: nextInternal,
	}
}

// EnableSplit switches the chain from the pre-split convention (both
// lanes derived along m/0'/0'/k) to the post-split convention (internal
// derived along m/0'/1'/k). The internal counter resets to 0, since no
// keys have ever been derived along the new branch. This transition is
// irreversible.
func (c *Chain) EnableSplit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.split {
		return
	}
	c.split = true
	c.nextInternal = 0
}

// Split reports whether the chain has adopted the internal-lane split.
func (c *Chain) Split() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.split
}

// NextIndexes returns the next unused index for each lane, for
// persistence.
func (c *Chain) NextIndexes() (external, internal uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextExternal, c.nextInternal
}

// DeriveNext derives the next unused child key for the requested lane
// and advances that lane's counter, satisfying keypool.KeySource. Prior
// to a split, both lanes pull from the external branch but keep
// independent counters, so re-deriving from the seed at any counter
// value <= the current one always yields the same key.
func (c *Chain) DeriveNext(internal bool) (uint32, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acctKey, err := c.provider()
	if err != nil {
		return 0, nil, err
	}

	branch := externalBranch
	if internal && c.split {
		branch = internalBranch
	}

	branchKey, err := acctKey.Derive(uint32(branch))
	if err != nil {
		return 0, nil, err
	}

	var index uint32
	if internal {
		index = c.nextInternal
	} else {
		index = c.nextExternal
	}

	childKey, err := branchKey.Derive(index)
	if err != nil {
		return 0, nil, err
	}

	pub, err := childKey.ECPubKey()
	if err != nil {
		return 0, nil, err
	}

	if internal {
		c.nextInternal++
	} else {
		c.nextExternal++
	}

	return index, pub.SerializeCompressed(), nil
}

// DerivePrivateKey re-derives the private key at a specific lane/index,
// used when signing or when the keypool hands a previously-derived
// pubkey back to the wallet for spending.
func (c *Chain) DerivePrivateKey(internal bool, index uint32) (*btcec.PrivateKey, error) {
	c.mu.Lock()
	split := c.split
	c.mu.Unlock()

	acctKey, err := c.provider()
	if err != nil {
		return nil, err
	}

	branch := externalBranch
	if internal && split {
		branch = internalBranch
	}

	branchKey, err := acctKey.Derive(uint32(branch))
	if err != nil {
		return nil, err
	}

	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}

	return childKey.ECPrivKey()
}

// MasterKeyFingerprint derives the account extended key's parent
// fingerprint, used to tag PSBT inputs with their BIP32 derivation path
// on export.
func (c *Chain) MasterKeyFingerprint() (uint32, error) {
	acctKey, err := c.provider()
	if err != nil {
		return 0, err
	}
	return acctKey.ParentFingerprint(), nil
}

// AccountDerivationPath returns the purpose'/coin_type'/account' path
// segment this chain derives beneath, using the network's BIP44 coin
// type.
func (c *Chain) AccountDerivationPath() []uint32 {
	return []uint32{
		hardenedKeyStart + 44,
		hardenedKeyStart + c.params.HDCoinType,
		accountIndex,
	}
}
