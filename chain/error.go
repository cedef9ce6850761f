// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import "errors"

var (
	// ErrTxAlreadyInMempool is returned by a mempool acceptance test when
	// the transaction already sits in the backend's mempool.
	ErrTxAlreadyInMempool = errors.New("chain: transaction already in mempool")

	// ErrTxAlreadyKnown is returned by a mempool acceptance test when the
	// backend already has the transaction recorded, confirmed or not.
	ErrTxAlreadyKnown = errors.New("chain: transaction already known")

	// ErrTxAlreadyConfirmed is returned by a mempool acceptance test when
	// the transaction is already included in a block.
	ErrTxAlreadyConfirmed = errors.New("chain: transaction already confirmed")

	// ErrUnimplemented is returned by backends that do not support a
	// requested operation, such as a mempool acceptance test on an
	// older bitcoind.
	ErrUnimplemented = errors.New("chain: operation not implemented by backend")
)
