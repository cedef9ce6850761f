// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import "errors"

// Sentinel errors returned by Store operations.
var (
	// ErrNotFound is returned when a transaction hash is not tracked by
	// the store.
	ErrNotFound = errors.New("wtxmgr: transaction not found")

	// ErrAlreadyConfirmed is returned by Abandon when the transaction is
	// mined and therefore not eligible for abandonment (only
	// permitted when the tx and all in-wallet descendants are not in
	// any block and not in the mempool").
	ErrAlreadyConfirmed = errors.New("wtxmgr: transaction is confirmed, cannot abandon")
)
