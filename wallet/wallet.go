// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties together key custody, the address pool, HD
// derivation and the transaction ledger behind a single coarse-grained
// lock, so that concurrent callers never observe a half-updated
// wallet state.
package wallet

import (
	"errors"
	"sync"

	"github.com/dashwallet/core/chain"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/hdchain"
	"github.com/dashwallet/core/keypool"
	"github.com/dashwallet/core/keystore"
	"github.com/dashwallet/core/wtxmgr"
)

// ErrNoChainClient is returned by operations that require a connected
// chain backend when none has been set.
var ErrNoChainClient = errors.New("wallet: no chain client set")

// Wallet combines key custody (keystore), address reservation
// (keypool), HD derivation (hdchain) and the transaction ledger
// (wtxmgr) behind a single lock.
type Wallet struct {
	mu sync.Mutex

	chainParams *chaincfg.Params

	keys    *keystore.Keystore
	pool    *keypool.Pool
	chain   *hdchain.Chain
	txStore *wtxmgr.Store

	chainClient chain.Interface
}

// New returns a Wallet with an empty transaction ledger, wired to the
// given key custody, address pool and HD chain components. chainParams
// selects the coinbase maturity used by the transaction ledger's depth
// accounting.
func New(chainParams *chaincfg.Params, keys *keystore.Keystore,
	pool *keypool.Pool, hc *hdchain.Chain) *Wallet {

	return &Wallet{
		chainParams: chainParams,
		keys:        keys,
		pool:        pool,
		chain:       hc,
		txStore:     wtxmgr.New(int32(chainParams.CoinbaseMaturity)),
	}
}

// SetChainClient wires up the backend used for broadcast, mempool
// acceptance tests and notifications.
func (w *Wallet) SetChainClient(client chain.Interface) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainClient = client
}

// ChainClient returns the currently configured chain backend, or nil if
// none has been set.
func (w *Wallet) ChainClient() chain.Interface {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainClient
}

// requireChainClient returns the active chain backend, or
// ErrNoChainClient if none has been configured.
func (w *Wallet) requireChainClient() (chain.Interface, error) {
	w.mu.Lock()
	client := w.chainClient
	w.mu.Unlock()

	if client == nil {
		return nil, ErrNoChainClient
	}
	return client, nil
}
