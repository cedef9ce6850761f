// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	btcdchaincfg "github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/coinview"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/keypool"
	"github.com/dashwallet/core/keystore"
	"github.com/dashwallet/core/selector"
	"github.com/dashwallet/core/wallet/txauthor"
	"github.com/dashwallet/core/wallet/txrules"
	"github.com/dashwallet/core/wallet/txsizes"
	"github.com/dashwallet/core/wtxmgr"
)

// ErrInsufficientFunds is returned by CreateTransaction when no
// eligible set of unspent outputs can fund the requested recipients
// and fee under any rung of the selection ladder.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// maxFeeIterations bounds the fee/size convergence loop CreateTransaction
// runs: one pass to size a transaction from an initial coin selection,
// then re-selecting against the fee that size implies. Two or three
// passes is normally enough since each selection only adds inputs of
// the same script type.
const maxFeeIterations = 4

// rejectLongChainsMaxAncestors caps the unconfirmed ancestor chain a
// selected input may sit behind when RejectLongChains is set, mirroring
// a conservative mempool chain-limit policy rather than this wallet's
// ordinarily permissive default ladder.
const rejectLongChainsMaxAncestors = 25

// Recipient is one destination of a CreateTransaction call.
// SubtractFeeFromAmount marks it as one of the outputs that absorbs an
// even share of the transaction fee instead of being paid in full.
type Recipient struct {
	PkScript              []byte
	Amount                dashutil.Amount
	SubtractFeeFromAmount bool
}

// CreateTransactionOptions configures CreateTransaction. FeeRatePerKb of
// zero uses txrules.DefaultRelayFeePerKb. CoinType narrows which class
// of PrivateSend coin AvailableCoins may draw on. Sign false builds an
// unsigned transaction and exports it as a PSBT instead of signing it.
type CreateTransactionOptions struct {
	CoinControl      *coinview.CoinControl
	CoinType         coinview.CoinType
	FeeRatePerKb     dashutil.Amount
	RejectLongChains bool
	Sign             bool
}

// CreatedTransaction is the result of CreateTransaction: the built
// transaction, the fee it pays, the index of its change output (or -1),
// and the reservation on the change key that produced that output. PSBT
// holds the serialized partially-signed transaction instead of Tx being
// signed, when Sign was false in the originating options.
type CreatedTransaction struct {
	Tx          *wire.MsgTx
	Fee         dashutil.Amount
	ChangeIndex int
	PSBT        []byte

	reserveKey *keypool.ReservedKey
}

// CreateTransaction implements create_transaction: it reserves a change
// key, selects coins to cover recipients and fees (iterating the fee
// estimate against the selection it implies), orders the resulting
// inputs, places the change output, and signs the transaction unless
// opts.Sign is false. The change key stays reserved until the returned
// CreatedTransaction is passed to CommitTransaction; CreatedTransaction
// offers no way to release the reservation, so letting one go unused
// leaks a reserved change key until the next restart re-derives the pool.
func (w *Wallet) CreateTransaction(recipients []Recipient,
	opts CreateTransactionOptions) (*CreatedTransaction, error) {

	if len(recipients) == 0 {
		return nil, errors.New("wallet: no recipients")
	}

	feeRatePerKb := opts.FeeRatePerKb
	if feeRatePerKb == 0 {
		feeRatePerKb = txrules.DefaultRelayFeePerKb
	}

	outputs := make([]*wire.TxOut, len(recipients))
	for i, r := range recipients {
		outputs[i] = wire.NewTxOut(int64(r.Amount), r.PkScript)
	}
	for _, out := range outputs {
		if err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb); err != nil {
			return nil, err
		}
	}
	targetAmount := txauthor.SumOutputValues(outputs)

	rk, err := w.pool.Reserve(true)
	if err != nil {
		return nil, fmt.Errorf("wallet: reserve change key: %w", err)
	}

	changeScript, err := w.changeScriptForReservation(rk)
	if err != nil {
		rk.Return()
		return nil, err
	}
	changeSource := &txauthor.ChangeSource{
		NewScript:  func() ([]byte, error) { return changeScript, nil },
		ScriptSize: len(changeScript),
	}

	coins := w.coinView().AvailableCoins(w.coinFilter(opts))
	feeRateVB := dashutil.NewDuffPerKVByte(feeRatePerKb, 1000).FeePerVByte()
	costOfChange := selector.CostOfChange(feeRateVB, feeRateVB,
		int64(txsizes.P2PKHOutputSize), int64(txsizes.RedeemP2PKHInputSize))
	ladder := ancestorLadder(opts.RejectLongChains)

	var credits []wtxmgr.Credit
	feeEstimate := dashutil.Amount(0)
	for i := 0; i < maxFeeIterations; i++ {
		target := targetAmount + feeEstimate

		selected, _, _, ok := selector.SelectCoinsMinConf(
			coins, target, feeRateVB, costOfChange, true, ladder)
		if !ok {
			rk.Return()
			return nil, ErrInsufficientFunds
		}
		credits = toCredits(selected)

		p2pkh, p2sh := countInputKinds(credits)
		size := txsizes.EstimateVirtualSize(p2pkh, p2sh, outputs, len(changeScript))
		newFee := txrules.FeeForSerializeSize(feeRatePerKb, size)
		if newFee <= feeEstimate {
			break
		}
		feeEstimate = newFee
	}

	authored, err := txauthor.NewUnsignedTransaction(outputs, feeRatePerKb,
		credits, txauthor.ConstantSelection, changeSource)
	if err != nil {
		rk.Return()
		return nil, err
	}

	if !opts.preserveOrder() {
		reorderInputsBIP69(authored)
	}

	fee := authored.TotalInput - txauthor.SumOutputValues(authored.Tx.TxOut)
	if err := applySubtractFeeFrom(authored.Tx, recipients, fee); err != nil {
		rk.Return()
		return nil, err
	}
	// The recipients marked SubtractFeeFromAmount now carry the fee, so
	// the change output gets back what it had been reduced by.
	cut := authored.TotalInput - txauthor.SumOutputValues(authored.Tx.TxOut) - fee
	if cut > 0 && authored.ChangeIndex >= 0 {
		authored.Tx.TxOut[authored.ChangeIndex].Value += int64(cut)
	}
	fee = authored.TotalInput - txauthor.SumOutputValues(authored.Tx.TxOut)

	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	created := &CreatedTransaction{
		Tx:          authored.Tx,
		Fee:         fee,
		ChangeIndex: authored.ChangeIndex,
		reserveKey:  rk,
	}

	if !opts.Sign {
		raw, err := exportPSBT(authored)
		if err != nil {
			rk.Return()
			return nil, err
		}
		created.PSBT = raw
		return created, nil
	}

	secrets := secretsSource{keys: w.keys, params: btcdParams(w.chainParams)}
	if err := authored.AddAllInputScripts(secrets); err != nil {
		rk.Return()
		return nil, fmt.Errorf("wallet: sign transaction: %w", err)
	}
	if err := validateMsgTx(authored.Tx, authored.PrevScripts, authored.PrevInputValues); err != nil {
		rk.Return()
		return nil, err
	}

	return created, nil
}

// CommitTransaction implements commit_transaction: it keeps the change
// key reservation that produced created, records the transaction in the
// ledger under the given label, and, if relay is true, broadcasts it
// through the connected chain backend.
func (w *Wallet) CommitTransaction(ctx context.Context, created *CreatedTransaction, label string, relay bool) error {
	if err := created.reserveKey.Keep(); err != nil {
		return err
	}

	wtx, err := w.txStore.AddOrUpdate(created.Tx, nil, 0, time.Now(), false)
	if err != nil {
		return fmt.Errorf("wallet: record transaction: %w", err)
	}
	if label != "" {
		if err := w.txStore.PutTxLabel(wtx.Hash, label); err != nil {
			return fmt.Errorf("wallet: label transaction: %w", err)
		}
	}

	if !relay {
		return nil
	}
	return w.Broadcast(ctx, created.Tx, label)
}

// coinView builds a coinview.View over this wallet's ledger and
// keystore. Mixing round depth is unavailable from *Wallet's own
// fields, so every coin reports zero rounds; a wallet wired to a
// mixing.RoundTracker can answer rounds by composing its own View
// directly against that tracker instead of going through this method.
func (w *Wallet) coinView() *coinview.View {
	return coinview.New(w.chainParams, w.txStore, w.keys, nil)
}

func (w *Wallet) coinFilter(opts CreateTransactionOptions) coinview.Filter {
	filter := coinview.DefaultFilter()
	filter.CoinType = opts.CoinType
	filter.Control = opts.CoinControl
	return filter
}

func (o CreateTransactionOptions) preserveOrder() bool {
	return o.CoinControl != nil && o.CoinControl.PreserveOrder
}

// changeScriptForReservation derives the private key behind a reserved
// keypool entry, registers it with the keystore so it can later be
// found by IsMine and GetKey, and returns the P2PKH script that pays to
// it. Deriving fails with hdchain.ErrLocked (and ImportKey fails with
// keystore.ErrLocked) when the keystore backing the HD chain is locked,
// which is what stops CreateTransaction from building a spend while the
// wallet cannot sign for it.
func (w *Wallet) changeScriptForReservation(rk *keypool.ReservedKey) ([]byte, error) {
	priv, err := w.chain.DerivePrivateKey(true, rk.Index())
	if err != nil {
		return nil, fmt.Errorf("wallet: derive change key: %w", err)
	}

	meta := keystore.KeyMeta{
		CreationTime: time.Now(),
		Derived:      true,
		Internal:     true,
	}
	if err := w.keys.ImportKey(priv, rk.PubKey(), meta); err != nil {
		return nil, fmt.Errorf("wallet: import change key: %w", err)
	}

	addr, err := dashutil.NewAddressPubKeyHash(dashutil.Hash160(rk.PubKey()),
		w.chainParams.AddressParams())
	if err != nil {
		return nil, err
	}
	return payToAddrScript(addr)
}

// payToAddrScript builds the output script that pays to addr.
func payToAddrScript(addr dashutil.Address) ([]byte, error) {
	switch a := addr.(type) {
	case *dashutil.AddressPubKeyHash:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).
			AddData(a.ScriptAddress()).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG).
			Script()
	case *dashutil.AddressScriptHash:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_HASH160).
			AddData(a.ScriptAddress()).
			AddOp(txscript.OP_EQUAL).
			Script()
	default:
		return nil, fmt.Errorf("wallet: unsupported address type %T", addr)
	}
}

// ancestorLadder is the eligibility ladder coin selection walks,
// tightened to rejectLongChainsMaxAncestors when the caller asked
// CreateTransaction to reject long unconfirmed chains.
func ancestorLadder(rejectLongChains bool) []selector.EligibilityFilter {
	ladder := selector.DefaultLadder(false)
	if !rejectLongChains {
		return ladder
	}

	capped := make([]selector.EligibilityFilter, len(ladder))
	for i, f := range ladder {
		capped[i] = f
		if capped[i].MaxAncestors > rejectLongChainsMaxAncestors {
			capped[i].MaxAncestors = rejectLongChainsMaxAncestors
		}
	}
	return capped
}

func toCredits(outs []coinview.Output) []wtxmgr.Credit {
	credits := make([]wtxmgr.Credit, len(outs))
	for i, o := range outs {
		credits[i] = o.Credit
	}
	return credits
}

func countInputKinds(credits []wtxmgr.Credit) (p2pkh, p2sh int) {
	for _, c := range credits {
		if txscript.IsPayToScriptHash(c.PkScript) {
			p2sh++
			continue
		}
		p2pkh++
	}
	return p2pkh, p2sh
}

// applySubtractFeeFrom deducts an even share of fee from each recipient
// output marked SubtractFeeFromAmount, giving any remainder to the
// first such output. It reports ErrOutputIsDust if a deduction would
// push an output below the dust threshold.
func applySubtractFeeFrom(tx *wire.MsgTx, recipients []Recipient, fee dashutil.Amount) error {
	var idxs []int
	for i, r := range recipients {
		if r.SubtractFeeFromAmount {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return nil
	}

	share := int64(fee) / int64(len(idxs))
	remainder := int64(fee) % int64(len(idxs))

	for n, i := range idxs {
		cut := share
		if n == 0 {
			cut += remainder
		}
		tx.TxOut[i].Value -= cut
		if err := txrules.CheckOutput(tx.TxOut[i], txrules.DefaultRelayFeePerKb); err != nil {
			return err
		}
	}
	return nil
}

// bip69Inputs sorts a transaction's inputs by previous outpoint
// (txid, then index), moving each input's previous script and value
// along with it so callers can still sign by index afterward.
type bip69Inputs struct {
	in      []*wire.TxIn
	scripts [][]byte
	values  []dashutil.Amount
}

func (b *bip69Inputs) Len() int { return len(b.in) }

func (b *bip69Inputs) Swap(i, j int) {
	b.in[i], b.in[j] = b.in[j], b.in[i]
	b.scripts[i], b.scripts[j] = b.scripts[j], b.scripts[i]
	b.values[i], b.values[j] = b.values[j], b.values[i]
}

func (b *bip69Inputs) Less(i, j int) bool {
	a, c := b.in[i].PreviousOutPoint, b.in[j].PreviousOutPoint
	if cmp := bytes.Compare(a.Hash[:], c.Hash[:]); cmp != 0 {
		return cmp < 0
	}
	return a.Index < c.Index
}

func reorderInputsBIP69(authored *txauthor.AuthoredTx) {
	sort.Sort(&bip69Inputs{
		in:      authored.Tx.TxIn,
		scripts: authored.PrevScripts,
		values:  authored.PrevInputValues,
	})
}

// exportPSBT serializes an unsigned transaction as a partially signed
// transaction, attaching each input's spent output as WitnessUtxo so a
// downstream signer does not need the full previous transactions on
// hand. Dash carries no segregated witness, but conveying the spent
// output this way (rather than the heavier full-NonWitnessUtxo form)
// keeps export cheap; a signer only needs the value and script to
// produce a legacy sigScript.
func exportPSBT(authored *txauthor.AuthoredTx) ([]byte, error) {
	packet, err := psbt.NewFromUnsignedTx(authored.Tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: build PSBT: %w", err)
	}

	for i, script := range authored.PrevScripts {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(authored.PrevInputValues[i]),
			PkScript: script,
		}
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("wallet: serialize PSBT: %w", err)
	}
	return buf.Bytes(), nil
}

// secretsSource bridges txauthor.SecretsSource to the keystore,
// resolving addresses (derived from upstream btcd's chaincfg/btcutil,
// which txscript.SignTxOutput requires) back to keys by their raw
// hash160, the same way dashutil.Address.ScriptAddress exposes it.
type secretsSource struct {
	keys   *keystore.Keystore
	params *btcdchaincfg.Params
}

func (s secretsSource) ChainParams() *btcdchaincfg.Params { return s.params }

func (s secretsSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool, error) {
	hash := addr.ScriptAddress()

	priv, err := s.keys.GetKey(hash, false)
	if err != nil {
		return nil, false, err
	}
	pub, ok := s.keys.PubKey(hash)
	if !ok {
		return nil, false, keystore.ErrNotFound
	}
	return priv, len(pub) == 33, nil
}

func (s secretsSource) GetScript(addr btcutil.Address) ([]byte, error) {
	script, ok := s.keys.Script(addr.ScriptAddress())
	if !ok {
		return nil, keystore.ErrNotFound
	}
	return script, nil
}

// btcdParams adapts this wallet's network parameters down to the
// upstream btcd chaincfg.Params shape SecretsSource requires. Only the
// address version bytes are load-bearing here: SignTxOutput uses them
// to round-trip previous output scripts to addresses and back to the
// hash160 secretsSource looks keys up by, never to talk to a btcd node.
func btcdParams(params *chaincfg.Params) *btcdchaincfg.Params {
	addrParams := params.AddressParams()
	return &btcdchaincfg.Params{
		PubKeyHashAddrID: addrParams.PubKeyHashAddrID,
		ScriptHashAddrID: addrParams.ScriptHashAddrID,
	}
}

// validateMsgTx verifies every signed input script, the same
// defense-in-depth check performed right after signing so a malformed
// signature is caught before the transaction is committed or relayed.
func validateMsgTx(tx *wire.MsgTx, prevScripts [][]byte, prevValues []dashutil.Amount) error {
	for i, prevScript := range prevScripts {
		fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, int64(prevValues[i]))
		vm, err := txscript.NewEngine(prevScript, tx, i,
			txscript.StandardVerifyFlags, nil, nil, int64(prevValues[i]), fetcher)
		if err != nil {
			return fmt.Errorf("wallet: create script engine: %w", err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("wallet: validate transaction: %w", err)
		}
	}
	return nil
}
