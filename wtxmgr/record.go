// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxRecord is the wire-format intermediate a chain backend hands to the
// store: a deserialized transaction plus the time it was first seen,
// memoized hash and serialization included. AddOrUpdate turns a
// TxRecord, together with optional block context, into a WalletTx
// ledger entry.
type TxRecord struct {
	MsgTx        wire.MsgTx
	Hash         chainhash.Hash
	Received     time.Time
	SerializedTx []byte
}

// NewTxRecord creates a TxRecord from a serialized transaction.
func NewTxRecord(serializedTx []byte, received time.Time) (*TxRecord, error) {
	rec := &TxRecord{
		Received:     received,
		SerializedTx: serializedTx,
	}
	if err := rec.MsgTx.Deserialize(bytes.NewReader(serializedTx)); err != nil {
		return nil, err
	}
	rec.Hash = rec.MsgTx.TxHash()
	return rec, nil
}

// NewTxRecordFromMsgTx creates a TxRecord from an already-parsed
// transaction.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) (*TxRecord, error) {
	serialized, err := Serialize(msgTx)
	if err != nil {
		return nil, err
	}
	return &TxRecord{
		MsgTx:        *msgTx,
		Hash:         msgTx.TxHash(),
		Received:     received,
		SerializedTx: serialized,
	}, nil
}

// AddOrUpdateRecord is a convenience wrapper over AddOrUpdate for
// callers, such as a chain backend's rescan or mempool notification
// path, that already hold a TxRecord.
func (s *Store) AddOrUpdateRecord(rec *TxRecord, block *BlockMeta, posInBlock int, updateIfExists bool) (*WalletTx, error) {
	return s.AddOrUpdate(&rec.MsgTx, block, posInBlock, rec.Received, updateIfExists)
}
