// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsizes

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Worst case script and input/output size estimates. Dash has no
// segregated witness, so every input redeems its previous output
// entirely within the legacy sigScript and there is no separate
// witness weight to account for.
const (
	// RedeemP2PKHSigScriptSize is the worst case (largest) serialize size
	// of a transaction input script that redeems a compressed P2PKH output.
	// It is calculated as:
	//
	//   - OP_DATA_73
	//   - 72 bytes DER signature + 1 byte sighash
	//   - OP_DATA_33
	//   - 33 bytes serialized compressed pubkey
	RedeemP2PKHSigScriptSize = 1 + 73 + 1 + 33

	// P2PKHPkScriptSize is the size of a transaction output script that
	// pays to a compressed pubkey hash.  It is calculated as:
	//
	//   - OP_DUP
	//   - OP_HASH160
	//   - OP_DATA_20
	//   - 20 bytes pubkey hash
	//   - OP_EQUALVERIFY
	//   - OP_CHECKSIG
	P2PKHPkScriptSize = 1 + 1 + 1 + 20 + 1 + 1

	// RedeemP2PKHInputSize is the worst case (largest) serialize size of a
	// transaction input redeeming a compressed P2PKH output.  It is
	// calculated as:
	//
	//   - 32 bytes previous tx
	//   - 4 bytes output index
	//   - 1 byte compact int encoding value 108
	//   - 108 bytes signature script
	//   - 4 bytes sequence
	RedeemP2PKHInputSize = 32 + 4 + 1 + RedeemP2PKHSigScriptSize + 4

	// P2PKHOutputSize is the serialize size of a transaction output with a
	// P2PKH output script.  It is calculated as:
	//
	//   - 8 bytes output value
	//   - 1 byte compact int encoding value 25
	//   - 25 bytes P2PKH output script
	P2PKHOutputSize = 8 + 1 + P2PKHPkScriptSize

	// RedeemP2SHMultisig2of3ScriptSize is a worst case estimate for a
	// sigScript redeeming a 2-of-3 bare multisig redeem script nested in
	// P2SH: two DER signatures, two sighash bytes, OP_0 placeholder, and
	// the pushed redeem script itself.
	RedeemP2SHMultisig2of3ScriptSize = 1 + 1 + 73 + 73 + 1 + 105

	// RedeemP2SHInputSize is the worst case (largest) serialize size of a
	// transaction input redeeming a P2SH output whose redeem script is a
	// 2-of-3 bare multisig. It is calculated as:
	//
	//   - 32 bytes previous tx
	//   - 4 bytes output index
	//   - compact int encoding the sigScript length
	//   - the sigScript itself
	//   - 4 bytes sequence
	RedeemP2SHInputSize = 32 + 4 + 2 + RedeemP2SHMultisig2of3ScriptSize + 4
)

// SumOutputSerializeSizes sums up the serialized size of the supplied outputs.
func SumOutputSerializeSizes(outputs []*wire.TxOut) (serializeSize int) {
	for _, txOut := range outputs {
		serializeSize += txOut.SerializeSize()
	}
	return serializeSize
}

// EstimateSerializeSize returns a worst case serialize size estimate for a
// signed transaction that spends inputCount number of compressed P2PKH outputs
// and contains each transaction output from txOuts.  The estimated size is
// incremented for an additional P2PKH change output if addChangeOutput is true.
func EstimateSerializeSize(inputCount int, txOuts []*wire.TxOut, addChangeOutput bool) int {
	changeSize := 0
	outputCount := len(txOuts)
	if addChangeOutput {
		changeSize = P2PKHOutputSize
		outputCount++
	}

	// 8 additional bytes are for version and locktime
	return 8 + wire.VarIntSerializeSize(uint64(inputCount)) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		inputCount*RedeemP2PKHInputSize +
		SumOutputSerializeSizes(txOuts) +
		changeSize
}

// EstimateVirtualSize returns a worst case size estimate for a signed
// transaction that spends the given number of P2PKH and bare-multisig
// P2SH outputs, and contains each transaction output from txOuts. The
// estimate is incremented for an additional P2PKH change output when
// changeScriptSize is non-zero. There is no witness discount to apply,
// so the "virtual size" here equals the plain serialize size.
func EstimateVirtualSize(numP2PKHIns, numP2SHIns int, txOuts []*wire.TxOut, changeScriptSize int) int {
	outputCount := len(txOuts)

	changeOutputSize := 0
	if changeScriptSize > 0 {
		changeOutputSize = 8 +
			wire.VarIntSerializeSize(uint64(changeScriptSize)) +
			changeScriptSize
		outputCount++
	}

	// Version 4 bytes + LockTime 4 bytes + serialized var int size for
	// the number of transaction inputs and outputs + size of redeem
	// scripts + the size of the serialized outputs and change.
	return 8 +
		wire.VarIntSerializeSize(uint64(numP2PKHIns+numP2SHIns)) +
		wire.VarIntSerializeSize(uint64(len(txOuts))) +
		numP2PKHIns*RedeemP2PKHInputSize +
		numP2SHIns*RedeemP2SHInputSize +
		SumOutputSerializeSizes(txOuts) +
		changeOutputSize
}

// GetMinInputVirtualSize returns the minimum number of bytes that this input
// adds to a transaction.
func GetMinInputVirtualSize(pkScript []byte) int {
	if txscript.IsPayToScriptHash(pkScript) {
		return RedeemP2SHInputSize
	}
	return RedeemP2PKHInputSize
}
