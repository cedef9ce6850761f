// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/coinview"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/wallet/txrules"
	"github.com/dashwallet/core/wtxmgr"
)

func TestCreateCollateralTransactionSpendsExactAmount(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	collateral := coinview.Output{
		Credit: wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: [32]byte{1}, Index: 0},
			Amount:   params.PrivateSendCollateralAmount,
		},
	}
	other := coinview.Output{
		Credit: wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: [32]byte{2}, Index: 0},
			Amount:   5e8,
		},
	}

	script := []byte{0x76, 0xa9, 0x14, 0x01, 0x02}
	tx, err := CreateCollateralTransaction(params, []coinview.Output{other, collateral},
		dashutil.NewDuffPerVByte(0, 1), func() ([]byte, error) { return script, nil })
	if err != nil {
		t.Fatalf("CreateCollateralTransaction: %v", err)
	}

	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint != collateral.OutPoint {
		t.Fatalf("expected a single input spending the collateral outpoint")
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("expected a single output, got %d", len(tx.TxOut))
	}

	fee := txrules.FeeForSerializeSize(txrules.DefaultRelayFeePerKb, CollateralInputSize)
	wantValue := int64(params.PrivateSendCollateralAmount) - int64(fee)
	if tx.TxOut[0].Value != wantValue {
		t.Fatalf("output value = %d, want %d", tx.TxOut[0].Value, wantValue)
	}
}

func TestCreateCollateralTransactionNoCandidate(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	other := coinview.Output{
		Credit: wtxmgr.Credit{
			OutPoint: wire.OutPoint{Hash: [32]byte{2}, Index: 0},
			Amount:   5e8,
		},
	}

	_, err := CreateCollateralTransaction(params, []coinview.Output{other},
		dashutil.NewDuffPerVByte(0, 1), func() ([]byte, error) { return nil, nil })
	if err != ErrNoCollateralInput {
		t.Fatalf("err = %v, want ErrNoCollateralInput", err)
	}
}
