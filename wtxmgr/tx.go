// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr implements the wallet's transaction ledger: an in-memory
// transaction ledger, its spend index, conflict detection, and reorg
// handling.
package wtxmgr

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DepthUnknown is the sentinel Depth returns for an abandoned or
// unrecognized transaction.
const DepthUnknown = -1

// abandonedBlockHash is the well-known sentinel block hash an abandoned
// transaction's block reference is set to, distinguishing it from a
// transaction that is merely unconfirmed.
var abandonedBlockHash = chainhash.Hash{0xff}

// Block identifies a block a wallet transaction is (or was) mined in.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta adds the block's timestamp to Block, used when ordering
// transactions for time_smart.
type BlockMeta struct {
	Block
	Time time.Time
}

// WalletTx is a transaction tracked by the store, together with the
// wallet-specific metadata the Data Model's WalletTx record carries:
// when it was seen, where (if anywhere) it is mined, and where it sits
// in the wallet's insertion-ordered log.
type WalletTx struct {
	Hash     chainhash.Hash
	MsgTx    wire.MsgTx
	Block    Block // Height == -1 when unconfirmed
	PosInBlock int

	TimeReceived time.Time
	TimeSmart    time.Time

	OrderPos int

	// Conflicted reports whether a different transaction spending one
	// of this transaction's inputs has been confirmed; ConflictedHeight
	// is the height of that block (Depth semantics: depth < 0 =
	// conflicted).
	Conflicted bool
	ConflictedHeight int32

	Abandoned bool
}

// IsMined reports whether the transaction has a known block reference
// that is not the abandoned sentinel.
func (w *WalletTx) IsMined() bool {
	return w.Block.Height > 0 && w.Block.Hash != abandonedBlockHash
}

// outpointSpend records which wallet tx, and which of its inputs, first
// claimed an outpoint.
type outpointSpend struct {
	spender chainhash.Hash
	vin     uint32
}

// Store is the wallet's transaction ledger: every transaction that pays
// to, or spends from, an address the wallet controls, the spend index
// relating outpoints to their spending transaction, and the
// insertion-ordered log used to compute time_smart and to answer
// queries in a stable display order.
//
// Store is safe for concurrent use. Its lock is taken beneath the
// top-level wallet lock to keep a consistent lock ordering across the
// package.
type Store struct {
	mu sync.RWMutex

	chainParamsCoinbaseMaturity int32

	txs  map[chainhash.Hash]*WalletTx
	spends map[wire.OutPoint][]outpointSpend // every claimant, for conflict detection
	labels map[chainhash.Hash]string

	order []chainhash.Hash // OrderPos -> hash, append-only except for abandon's tombstoning
	nextOrderPos int

	bestHeight int32
}

// New returns an empty Store. coinbaseMaturity is the number of
// confirmations a coinbase output needs before Depth treats it as
// spendable, mirroring the network parameter of the same name.
func New(coinbaseMaturity int32) *Store {
	return &Store{
		chainParamsCoinbaseMaturity: coinbaseMaturity,
		txs:                         make(map[chainhash.Hash]*WalletTx),
		spends:                      make(map[wire.OutPoint][]outpointSpend),
		labels:                      make(map[chainhash.Hash]string),
	}
}

// PutTxLabel assigns a label to a known transaction, overwriting any
// label already present.
func (s *Store) PutTxLabel(hash chainhash.Hash, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[hash]; !ok {
		return ErrNotFound
	}
	s.labels[hash] = label
	return nil
}

// TxLabel returns the label assigned to hash, if any.
func (s *Store) TxLabel(hash chainhash.Hash) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	label, ok := s.labels[hash]
	return label, ok
}

// Load inserts rec as if read from disk at startup: no side effects
// beyond populating the in-memory index (load). Used by a persistence
// layer that deserializes previously-written records and hands them
// back to the store in insertion order.
func (s *Store) Load(tx *WalletTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs[tx.Hash] = tx
	for i := range tx.MsgTx.TxIn {
		op := tx.MsgTx.TxIn[i].PreviousOutPoint
		s.spends[op] = append(s.spends[op], outpointSpend{spender: tx.Hash, vin: uint32(i)})
	}
	if tx.OrderPos >= s.nextOrderPos {
		s.nextOrderPos = tx.OrderPos + 1
	}
	s.order = append(s.order, tx.Hash)
}

// AddOrUpdate records a transaction, or updates its block context if it
// is already known (add_or_update). block is nil for an unconfirmed
// transaction. It returns the resulting WalletTx.
func (s *Store) AddOrUpdate(msgTx *wire.MsgTx, block *BlockMeta, posInBlock int, received time.Time, updateIfExists bool) (*WalletTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := msgTx.TxHash()

	existing, isNew := s.txs[hash], false
	if existing == nil {
		isNew = true
		existing = &WalletTx{
			Hash:         hash,
			MsgTx:        *msgTx,
			TimeReceived: received,
			OrderPos:     s.nextOrderPos,
			Block:        Block{Height: -1},
		}
		s.nextOrderPos++
		s.order = append(s.order, hash)
	}

	blockContextChanged := block != nil && existing.Block.Hash != block.Hash

	if isNew || updateIfExists || blockContextChanged {
		if block != nil {
			existing.Block = Block{Hash: block.Hash, Height: block.Height}
			existing.PosInBlock = posInBlock
			existing.TimeSmart = s.computeTimeSmart(existing, block)
		}
	}

	s.txs[hash] = existing

	if isNew {
		for i, in := range msgTx.TxIn {
			op := in.PreviousOutPoint
			s.spends[op] = append(s.spends[op], outpointSpend{spender: hash, vin: uint32(i)})

			if len(s.spends[op]) > 1 {
				s.resolveConflict(op)
			}
		}
	}

	return existing, nil
}

// computeTimeSmart clamps a transaction's received time to the interval
// between the nearest neighboring wallet transactions in block order,
// per the time-smart computation below; absent block context the received
// time is used directly.
func (s *Store) computeTimeSmart(tx *WalletTx, block *BlockMeta) time.Time {
	if block == nil {
		return tx.TimeReceived
	}

	var prev, next time.Time
	havePrev, haveNext := false, false

	for _, other := range s.txs {
		if other.Hash == tx.Hash || !other.IsMined() {
			continue
		}
		switch {
		case other.Block.Height < block.Height:
			if !havePrev || other.TimeSmart.After(prev) {
				prev, havePrev = other.TimeSmart, true
			}
		case other.Block.Height > block.Height:
			if !haveNext || other.TimeSmart.Before(next) {
				next, haveNext = other.TimeSmart, true
			}
		}
	}

	smart := tx.TimeReceived
	if smart.Before(block.Time) {
		smart = block.Time
	}
	if havePrev && smart.Before(prev) {
		smart = prev
	}
	if haveNext && smart.After(next) {
		smart = next
	}
	return smart
}

// resolveConflict is called when an outpoint in the spend index gains a
// second distinct claimant. It marks whichever claimant is ancestrally
// superseded (the one not confirmed, or confirmed in a shorter chain)
// as conflicted against the other's block.
func (s *Store) resolveConflict(op wire.OutPoint) {
	claimants := s.spends[op]
	var winner *WalletTx
	for _, c := range claimants {
		tx := s.txs[c.spender]
		if tx == nil {
			continue
		}
		if winner == nil || (tx.IsMined() && (!winner.IsMined() || tx.Block.Height < winner.Block.Height)) {
			winner = tx
		}
	}
	if winner == nil || !winner.IsMined() {
		return
	}
	for _, c := range claimants {
		if c.spender == winner.Hash {
			continue
		}
		s.markConflictedLocked(winner.Block, c.spender)
	}
}

// MarkConflicted marks tx as conflicted against block: another
// transaction confirmed in block is now understood to have spent one of
// tx's inputs instead (mark_conflicted).
func (s *Store) MarkConflicted(block Block, txHash chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markConflictedLocked(block, txHash)
}

func (s *Store) markConflictedLocked(block Block, txHash chainhash.Hash) {
	tx, ok := s.txs[txHash]
	if !ok {
		return
	}
	tx.Conflicted = true
	tx.ConflictedHeight = block.Height

	for _, descendant := range s.descendantsLocked(txHash) {
		descendant.Conflicted = true
		descendant.ConflictedHeight = block.Height
	}
}

// GetConflicts returns the set of transaction hashes that conflict with
// txHash: every other claimant of any outpoint txHash's transaction also
// spends (get_conflicts).
func (s *Store) GetConflicts(txHash chainhash.Hash) map[chainhash.Hash]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return nil
	}

	conflicts := make(map[chainhash.Hash]struct{})
	for _, in := range tx.MsgTx.TxIn {
		for _, c := range s.spends[in.PreviousOutPoint] {
			if c.spender != txHash {
				conflicts[c.spender] = struct{}{}
			}
		}
	}
	return conflicts
}

// IsSpent reports whether op has a recorded, non-conflicted claimant
// (is_spent).
func (s *Store) IsSpent(op wire.OutPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.spends[op] {
		if tx, ok := s.txs[c.spender]; ok && !tx.Conflicted && !tx.Abandoned {
			return true
		}
	}
	return false
}

// IsFromMe reports whether every input of txHash spends an output this
// store already tracks, meaning the wallet itself created the
// transaction rather than merely receiving a payment from it.
func (s *Store) IsFromMe(txHash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return false
	}
	for _, in := range tx.MsgTx.TxIn {
		if _, ok := s.txs[in.PreviousOutPoint.Hash]; !ok {
			return false
		}
	}
	return true
}

// IsReplaceable reports whether txHash signals BIP125 opt-in
// replace-by-fee on any of its inputs.
func (s *Store) IsReplaceable(txHash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return false
	}
	for _, in := range tx.MsgTx.TxIn {
		if in.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// AncestorCount returns the number of unconfirmed ancestor transactions
// behind txHash, counting only the chain formed by transactions this
// store itself tracks. A mined transaction, or one with no unconfirmed
// wallet-known parent, has an ancestor count of 0.
func (s *Store) AncestorCount(txHash chainhash.Hash) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ancestorCountLocked(txHash, make(map[chainhash.Hash]struct{}))
}

func (s *Store) ancestorCountLocked(txHash chainhash.Hash, seen map[chainhash.Hash]struct{}) int {
	tx, ok := s.txs[txHash]
	if !ok || tx.IsMined() {
		return 0
	}
	if _, dup := seen[txHash]; dup {
		return 0
	}
	seen[txHash] = struct{}{}

	count := 0
	for _, in := range tx.MsgTx.TxIn {
		parent, ok := s.txs[in.PreviousOutPoint.Hash]
		if !ok || parent.IsMined() {
			continue
		}
		count += 1 + s.ancestorCountLocked(parent.Hash, seen)
	}
	return count
}

// Depth returns confirmation depth for txHash, using the sentinel
// convention: >0 confirmations, 0 mempool, <0 negated confirmations of
// the winning conflicter, DepthUnknown if abandoned or unknown.
func (s *Store) Depth(txHash chainhash.Hash) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[txHash]
	if !ok || tx.Abandoned {
		return DepthUnknown
	}
	if tx.Conflicted {
		return -int(s.bestHeight - tx.ConflictedHeight + 1)
	}
	if !tx.IsMined() {
		return 0
	}
	return int(s.bestHeight-tx.Block.Height) + 1
}

// Abandon marks txHash, and every in-wallet descendant of it, as
// abandoned (abandon). It is only permitted when neither the
// transaction nor any descendant is mined or in the mempool view this
// store was told about; callers are expected to have already confirmed
// that externally (the store itself has no mempool membership signal
// beyond AddOrUpdate having been called without a block).
func (s *Store) Abandon(txHash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txHash]
	if !ok {
		return ErrNotFound
	}
	if tx.IsMined() {
		return ErrAlreadyConfirmed
	}

	s.abandonLocked(tx)
	return nil
}

func (s *Store) abandonLocked(tx *WalletTx) {
	tx.Abandoned = true
	tx.Block = Block{Hash: abandonedBlockHash, Height: -1}

	for i := range tx.MsgTx.TxIn {
		op := tx.MsgTx.TxIn[i].PreviousOutPoint
		claimants := s.spends[op][:0]
		for _, c := range s.spends[op] {
			if c.spender != tx.Hash {
				claimants = append(claimants, c)
			}
		}
		s.spends[op] = claimants
	}

	for _, descendant := range s.descendantsLocked(tx.Hash) {
		s.abandonLocked(descendant)
	}
}

// descendantsLocked returns every known wallet transaction that spends
// an output of txHash, one hop only; callers recurse as needed. Caller
// must hold s.mu.
func (s *Store) descendantsLocked(txHash chainhash.Hash) []*WalletTx {
	var out []*WalletTx
	seen := make(map[chainhash.Hash]bool)
	for op, claimants := range s.spends {
		if op.Hash != txHash {
			continue
		}
		for _, c := range claimants {
			if seen[c.spender] {
				continue
			}
			seen[c.spender] = true
			if tx, ok := s.txs[c.spender]; ok {
				out = append(out, tx)
			}
		}
	}
	return out
}

// BlockDisconnected unmarks every wallet transaction confirmed in block
// as unconfirmed (BlockDisconnected).
func (s *Store) BlockDisconnected(block Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.txs {
		if tx.Block.Hash == block.Hash {
			tx.Block = Block{Height: -1}
			tx.PosInBlock = 0
		}
	}
	if s.bestHeight >= block.Height {
		s.bestHeight = block.Height - 1
	}
}

// BlockConnected advances the chain tip to block and marks every
// transaction hash in conflicted as conflicted against it
// (BlockConnected).
func (s *Store) BlockConnected(block Block, conflicted []chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Height > s.bestHeight {
		s.bestHeight = block.Height
	}
	for _, txHash := range conflicted {
		s.markConflictedLocked(block, txHash)
	}
}

// RelayPending returns every unconfirmed, non-abandoned, non-conflicted
// transaction received before the cutoff time, for rebroadcast
// (relay_pending).
func (s *Store) RelayPending(before time.Time) []*WalletTx {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*WalletTx
	for _, tx := range s.txs {
		if tx.IsMined() || tx.Abandoned || tx.Conflicted {
			continue
		}
		if tx.TimeReceived.Before(before) {
			pending = append(pending, tx)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].OrderPos < pending[j].OrderPos
	})
	return pending
}

// Tx returns the tracked WalletTx for hash, if any.
func (s *Store) Tx(hash chainhash.Hash) (*WalletTx, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[hash]
	return tx, ok
}

// Serialize writes msgTx's wire encoding, used by persistence to store
// the raw transaction alongside its wallet metadata.
func Serialize(msgTx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
