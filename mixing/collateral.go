// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/coinview"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/wallet/txrules"
)

// CollateralInputSize is the serialized byte size of a single signed
// legacy P2PKH input (outpoint, signature script and sequence), the only
// shape a collateral input ever takes, used to estimate the fee
// CreateCollateralTransaction pays.
const CollateralInputSize = 148

// ErrNoCollateralInput is returned by CreateCollateralTransaction when
// none of the candidate outputs is an exact PrivateSend collateral
// amount.
var ErrNoCollateralInput = errors.New("mixing: no PrivateSend collateral input available")

// ErrCollateralTooSmall is returned when the collateral amount cannot
// cover even the minimum relay fee for returning it to the wallet.
var ErrCollateralTooSmall = errors.New("mixing: collateral amount too small to pay a fee")

// CreateCollateralTransaction builds an unsigned, single-input,
// single-output transaction that spends a PrivateSend collateral
// output back to a change script the wallet controls, minus a small
// fee, mirroring CWallet::CreateCollateralTransaction. candidates
// should already be narrowed to coinview.OnlyNodeCollateral or
// coinview.OnlyMixingCollateral outputs; the first one whose amount
// exactly matches params.PrivateSendCollateralAmount is spent.
func CreateCollateralTransaction(params *chaincfg.Params, candidates []coinview.Output,
	feeRate dashutil.DuffPerVByte, newChangeScript func() ([]byte, error)) (*wire.MsgTx, error) {

	var chosen *coinview.Output
	for i := range candidates {
		if candidates[i].Amount == params.PrivateSendCollateralAmount {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return nil, ErrNoCollateralInput
	}

	fee := feeRate.FeeForVSize(CollateralInputSize)
	if fee <= 0 {
		fee = txrules.FeeForSerializeSize(txrules.DefaultRelayFeePerKb, CollateralInputSize)
	}
	returned := chosen.Amount - fee
	if returned <= 0 {
		return nil, ErrCollateralTooSmall
	}

	script, err := newChangeScript()
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{
		Version: wire.TxVersion,
		TxIn: []*wire.TxIn{
			wire.NewTxIn(&chosen.OutPoint, nil, nil),
		},
		TxOut: []*wire.TxOut{
			wire.NewTxOut(int64(returned), script),
		},
		LockTime: 0,
	}
	return tx, nil
}
