// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keystore implements the wallet's key custody: plaintext and encrypted
// key storage, watch-only scripts, and is_mine script ownership
// resolution. It re-architects the source's BasicKeyStore ->
// CryptoKeyStore -> Wallet inheritance chain as a single type carrying an
// explicit encryption state, per 9. DESIGN NOTES.
package keystore

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/dashwallet/core/chaincfg"
	"github.com/dashwallet/core/dashutil"
	"github.com/dashwallet/core/internal/zero"
	"github.com/dashwallet/core/snacl"
)

// maxScriptRecursionDepth bounds is_mine's descent into a P2SH
// redeemScript to prevent pathological nesting.
const maxScriptRecursionDepth = 1

// State describes the keystore's encryption state machine:
// Plain -> Encrypted{Locked | Unlocked | UnlockedMixingOnly}. The
// transition out of Plain is one-way.
type State int

// States of the keystore encryption machine.
const (
	StatePlain State = iota
	StateLocked
	StateUnlocked
	StateUnlockedMixingOnly
)

// Ownership is the result of is_mine: whether a script is spendable by
// this keystore, merely watched, or unrelated.
type Ownership int

// Ownership values returned by IsMine.
const (
	NotMine Ownership = iota
	WatchOnly
	Spendable
)

// KeyMeta carries the non-secret metadata the Data Model attaches to
// every Key: creation time, HD derivation info, and the change/receive
// flag.
type KeyMeta struct {
	CreationTime   time.Time
	Derived        bool
	DerivationPath string
	Internal       bool
}

// keyEntry is a single keystore-held key. Priv is nil once Encrypt has
// run; CipherText then holds the encrypted scalar instead.
type keyEntry struct {
	PubKey     []byte
	Priv       *btcec.PrivateKey
	CipherText []byte
	Meta       KeyMeta
}

// scriptEntry is a known redeem/witness script, optionally watch-only.
type scriptEntry struct {
	Script       []byte
	WatchOnly    bool
	CreationTime time.Time
}

// MasterKey is an encrypted secret that decrypts the keystore's private
// keys, parameterized by a scrypt KDF salt/cost and wrapped with
// snacl's secretbox (Data Model: MasterKey). A wallet may hold multiple
// master keys, indexed by id, for legacy compatibility; only one is ever
// the current encryption key.
type MasterKey struct {
	ID               uint32
	Parameters       snacl.Parameters
	DerivationMethod uint32
	CipherText       []byte
}

// Keystore holds plaintext and encrypted keys, known scripts, and
// watch-only entries, and resolves script ownership. Mu guards every
// field below it, and is always acquired beneath the wallet's own
// top-level lock to keep a consistent lock ordering across packages.
type Keystore struct {
	mu sync.RWMutex

	params *chaincfg.Params

	state      State
	masterKeys map[uint32]*MasterKey
	nextKeyID  uint32
	active     *snacl.SecretKey // derived key for the current master key, set only while unlocked

	keys    map[string]*keyEntry    // keyed by hex(Hash160(pubkey))
	scripts map[string]*scriptEntry // keyed by hex(Hash160(script))
}

// New returns an empty, unencrypted Keystore for the given network
// parameters (needed by IsMine to classify scripts).
func New(params *chaincfg.Params) *Keystore {
	return &Keystore{
		params:     params,
		state:      StatePlain,
		masterKeys: make(map[uint32]*MasterKey),
		keys:       make(map[string]*keyEntry),
		scripts:    make(map[string]*scriptEntry),
	}
}

func hash160Hex(b []byte) string {
	return hex.EncodeToString(dashutil.Hash160(b))
}

// AddKey adds a plaintext key/pubkey pair (add_key). It fails if the
// keystore is encrypted; encrypted keystores only accept ciphertext via
// AddCryptedKey.
func (k *Keystore) AddKey(priv *btcec.PrivateKey, pub []byte, meta KeyMeta) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != StatePlain {
		return fmt.Errorf("keystore: AddKey requires an unencrypted keystore, use AddCryptedKey")
	}

	k.keys[hash160Hex(pub)] = &keyEntry{PubKey: pub, Priv: priv, Meta: meta}
	log.Debugf("added plaintext key %s", hash160Hex(pub))
	return nil
}

// AddCryptedKey adds a key already encrypted under the current master
// key (add_crypted_key).
func (k *Keystore) AddCryptedKey(pub, ciphertext []byte, meta KeyMeta) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.keys[hash160Hex(pub)] = &keyEntry{PubKey: pub, CipherText: ciphertext, Meta: meta}
	log.Debugf("added encrypted key %s", hash160Hex(pub))
	return nil
}

// HaveKey reports whether the keystore holds a key for pubhash
// (have_key).
func (k *Keystore) HaveKey(pubHash []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	_, ok := k.keys[hex.EncodeToString(pubHash)]
	return ok
}

// PubKey returns the serialized public key stored for pubHash. Unlike
// GetKey, this is available regardless of encryption state: the public
// key is never itself secret material.
func (k *Keystore) PubKey(pubHash []byte) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.keys[hex.EncodeToString(pubHash)]
	if !ok {
		return nil, false
	}
	return entry.PubKey, true
}

// GetKey returns the decrypted private key for pubHash (get_key). It
// returns ErrLocked if the keystore is encrypted and locked, or unlocked
// for mixing only and mixingOnly is false; ErrNotFound if no such key is
// known.
func (k *Keystore) GetKey(pubHash []byte, mixingOnly bool) (*btcec.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.keys[hex.EncodeToString(pubHash)]
	if !ok {
		return nil, ErrNotFound
	}

	if entry.Priv != nil {
		return entry.Priv, nil
	}

	switch k.state {
	case StateLocked:
		return nil, ErrLocked
	case StateUnlockedMixingOnly:
		if !mixingOnly {
			return nil, ErrLocked
		}
	case StateUnlocked:
		// fall through
	default:
		return nil, ErrLocked
	}

	return decryptPrivKey(k.active, entry.CipherText)
}

// ImportKey adds a freshly derived or imported key, encrypting it under
// the current master key when the keystore is encrypted. Unlike AddKey/
// AddCryptedKey, callers do not need to know the keystore's encryption
// state up front: Plain stores the key directly, Unlocked (or
// UnlockedMixingOnly) encrypts it under the active master key, and
// Locked fails with ErrLocked since no active key is available to
// encrypt under.
func (k *Keystore) ImportKey(priv *btcec.PrivateKey, pub []byte, meta KeyMeta) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == StatePlain {
		k.keys[hash160Hex(pub)] = &keyEntry{PubKey: pub, Priv: priv, Meta: meta}
		return nil
	}

	if k.state == StateLocked || k.active == nil {
		return ErrLocked
	}

	ct, err := k.active.Encrypt(priv.Serialize())
	if err != nil {
		return fmt.Errorf("keystore: encrypt imported key: %w", err)
	}
	k.keys[hash160Hex(pub)] = &keyEntry{PubKey: pub, CipherText: ct, Meta: meta}
	return nil
}

// AddScript adds a known redeem/witness script (add_script).
func (k *Keystore) AddScript(script []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.scripts[hash160Hex(script)] = &scriptEntry{Script: script}
	return nil
}

// AddWatchOnly adds a watch-only script with creation-time metadata
// (add_watch_only).
func (k *Keystore) AddWatchOnly(script []byte, creationTime time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.scripts[hash160Hex(script)] = &scriptEntry{
		Script:       script,
		WatchOnly:    true,
		CreationTime: creationTime,
	}
	return nil
}

// Script returns the redeem/witness script stored for scriptHash.
func (k *Keystore) Script(scriptHash []byte) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.scripts[hex.EncodeToString(scriptHash)]
	if !ok {
		return nil, false
	}
	return entry.Script, true
}

// IsMine classifies a scriptPubKey's ownership (is_mine), descending
// into a P2SH redeemScript up to maxScriptRecursionDepth.
func (k *Keystore) IsMine(script []byte) Ownership {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if o := k.isMine(script, 0); o != NotMine {
		return o
	}
	// AddWatchOnly keys a script by its own hash160, which the
	// class-specific lookups above only consult for P2SH.
	if entry, ok := k.scripts[hash160Hex(script)]; ok && entry.WatchOnly {
		return WatchOnly
	}
	return NotMine
}

func (k *Keystore) isMine(script []byte, depth int) Ownership {
	class := txscript.GetScriptClass(script)

	switch class {
	case txscript.ScriptHashTy:
		hash, ok := extractScriptHash(script)
		if !ok || depth >= maxScriptRecursionDepth {
			return NotMine
		}
		entry, ok := k.scripts[hex.EncodeToString(hash)]
		if !ok {
			return NotMine
		}
		if entry.WatchOnly {
			return WatchOnly
		}
		return k.isMine(entry.Script, depth+1)

	case txscript.PubKeyHashTy:
		hash, ok := extractPubKeyHash(script)
		if !ok {
			return NotMine
		}
		return k.ownershipForHash(hash)

	case txscript.PubKeyTy:
		pub, ok := extractPubKey(script)
		if !ok {
			return NotMine
		}
		return k.ownershipForHash(dashutil.Hash160(pub))

	case txscript.MultiSigTy:
		pubs, nRequired, ok := extractMultisigPubKeys(script)
		if !ok {
			return NotMine
		}
		held := 0
		for _, pub := range pubs {
			if o := k.ownershipForHash(dashutil.Hash160(pub)); o != NotMine {
				held++
			}
		}
		switch {
		case held == 0:
			return NotMine
		case held >= nRequired:
			return Spendable
		default:
			return WatchOnly
		}

	default:
		return NotMine
	}
}

// extractPubKeyHash pulls the 20-byte hash out of a standard P2PKH
// scriptPubKey: OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG.
func extractPubKeyHash(script []byte) ([]byte, bool) {
	if len(script) == 25 &&
		script[0] == txscript.OP_DUP &&
		script[1] == txscript.OP_HASH160 &&
		script[2] == txscript.OP_DATA_20 &&
		script[23] == txscript.OP_EQUALVERIFY &&
		script[24] == txscript.OP_CHECKSIG {
		return script[3:23], true
	}
	return nil, false
}

// extractScriptHash pulls the 20-byte hash out of a standard P2SH
// scriptPubKey: OP_HASH160 <20> OP_EQUAL.
func extractScriptHash(script []byte) ([]byte, bool) {
	if len(script) == 23 &&
		script[0] == txscript.OP_HASH160 &&
		script[1] == txscript.OP_DATA_20 &&
		script[22] == txscript.OP_EQUAL {
		return script[2:22], true
	}
	return nil, false
}

// extractPubKey pulls the serialized pubkey out of a bare P2PK
// scriptPubKey: <pubkey> OP_CHECKSIG.
func extractPubKey(script []byte) ([]byte, bool) {
	if len(script) < 2 || script[len(script)-1] != txscript.OP_CHECKSIG {
		return nil, false
	}
	switch {
	case len(script) == 35 && script[0] == txscript.OP_DATA_33:
		return script[1:34], true
	case len(script) == 67 && script[0] == txscript.OP_DATA_65:
		return script[1:66], true
	default:
		return nil, false
	}
}

// extractMultisigPubKeys pulls the pubkeys and required-signature count
// out of a bare multisig scriptPubKey: OP_m <pubkey>... OP_n
// OP_CHECKMULTISIG.
func extractMultisigPubKeys(script []byte) (pubs [][]byte, nRequired int, ok bool) {
	tokens, err := txscript.PushedData(script)
	if err != nil || len(script) < 3 {
		return nil, 0, false
	}
	if script[len(script)-1] != txscript.OP_CHECKMULTISIG {
		return nil, 0, false
	}
	m := int(script[0]) - (txscript.OP_1 - 1)
	if m < 1 || m > 20 {
		return nil, 0, false
	}
	return tokens, m, true
}

// ownershipForHash reports ownership of a single pubkey-hash or raw
// pubkey hash, without script-class dispatch.
func (k *Keystore) ownershipForHash(hash []byte) Ownership {
	key := hex.EncodeToString(hash)
	if entry, ok := k.keys[key]; ok {
		if entry.Priv != nil || entry.CipherText != nil {
			return Spendable
		}
	}
	if entry, ok := k.scripts[key]; ok && entry.WatchOnly {
		return WatchOnly
	}
	return NotMine
}

// Encrypt transitions the keystore from Plain to Encrypted+Locked
// (encrypt). It derives a fresh master key, rewrites every plaintext
// private key as ciphertext under it, and zeroes the plaintext scalars
// from memory once the rewrite has been recorded. Callers are
// responsible for persisting the rewritten keys before this call returns
// control, following a persist-before-clearing-plaintext ordering;
// here that means the caller must hold the wallet's own lock across
// Encrypt and its own persistence write.
func (k *Keystore) Encrypt(passphrase []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != StatePlain {
		return ErrAlreadyEncrypted
	}

	secret, err := snacl.NewSecretKey(&passphrase, snacl.DefaultN, snacl.DefaultR, snacl.DefaultP)
	if err != nil {
		return fmt.Errorf("keystore: derive master key: %w", err)
	}

	master := &MasterKey{
		ID:         k.nextKeyID,
		Parameters: secret.Parameters,
	}
	k.nextKeyID++

	for hash, entry := range k.keys {
		if entry.Priv == nil {
			continue
		}

		ct, err := secret.Encrypt(entry.Priv.Serialize())
		if err != nil {
			return fmt.Errorf("keystore: encrypt key %s: %w", hash, err)
		}

		entry.Priv.Key.Zero()
		entry.Priv = nil
		entry.CipherText = ct
	}

	k.masterKeys[master.ID] = master
	k.active = secret
	k.state = StateLocked

	log.Infof("keystore encrypted, master key id %d", master.ID)
	return nil
}

// Unlock decrypts the current master key with passphrase, putting the
// keystore into Unlocked (or UnlockedMixingOnly) state (unlock).
func (k *Keystore) Unlock(passphrase []byte, mixingOnly bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == StatePlain {
		return ErrNotEncrypted
	}

	master, ok := k.masterKeys[k.currentMasterKeyID()]
	if !ok {
		return ErrNotFound
	}

	secret := &snacl.SecretKey{Parameters: master.Parameters}
	if err := secret.DeriveKey(&passphrase); err != nil {
		if err == snacl.ErrInvalidPassword {
			return ErrWrongPassphrase
		}
		return err
	}

	// Deriving succeeds for any passphrase, so check the derived key
	// against a stored ciphertext before accepting it.
	for _, entry := range k.keys {
		if entry.CipherText == nil {
			continue
		}
		plain, err := secret.Decrypt(entry.CipherText)
		if err != nil {
			secret.Zero()
			return ErrWrongPassphrase
		}
		zero.Bytes(plain)
		break
	}

	k.active = secret
	if mixingOnly {
		k.state = StateUnlockedMixingOnly
	} else {
		k.state = StateUnlocked
	}
	return nil
}

// Lock re-encrypts the keystore's working state (lock). get_key fails
// for every key immediately afterwards regardless of how recently it was
// decrypted (8. Invariant 5).
func (k *Keystore) Lock() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == StatePlain {
		return ErrNotEncrypted
	}

	if k.active != nil {
		k.active.Zero()
		k.active = nil
	}
	k.state = StateLocked
	return nil
}

// ChangePassphrase re-derives the master key under a new passphrase,
// verifying old first (change_passphrase).
func (k *Keystore) ChangePassphrase(old, new []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == StatePlain {
		return ErrNotEncrypted
	}

	master, ok := k.masterKeys[k.currentMasterKeyID()]
	if !ok {
		return ErrNotFound
	}

	verify := &snacl.SecretKey{Parameters: master.Parameters}
	if err := verify.DeriveKey(&old); err != nil {
		if err == snacl.ErrInvalidPassword {
			return ErrWrongPassphrase
		}
		return err
	}

	fresh, err := snacl.NewSecretKey(&new, snacl.DefaultN, snacl.DefaultR, snacl.DefaultP)
	if err != nil {
		return err
	}

	for _, entry := range k.keys {
		if entry.CipherText == nil {
			continue
		}
		plain, err := verify.Decrypt(entry.CipherText)
		if err != nil {
			return ErrWrongPassphrase
		}
		ct, err := fresh.Encrypt(plain)
		zero.Bytes(plain)
		if err != nil {
			return err
		}
		entry.CipherText = ct
	}

	master.Parameters = fresh.Parameters
	verify.Zero()

	if k.active != nil {
		k.active.Zero()
	}
	k.active = fresh
	k.state = StateUnlocked
	return nil
}

// State returns the keystore's current encryption state.
func (k *Keystore) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// currentMasterKeyID returns the highest-numbered (most recent) master
// key id; legacy wallets may carry more than one (Data Model: MasterKey).
func (k *Keystore) currentMasterKeyID() uint32 {
	var max uint32
	var found bool
	for id := range k.masterKeys {
		if !found || id > max {
			max, found = id, true
		}
	}
	return max
}

func decryptPrivKey(secret *snacl.SecretKey, ciphertext []byte) (*btcec.PrivateKey, error) {
	if secret == nil {
		return nil, ErrLocked
	}
	plain, err := secret.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt key: %w", err)
	}
	defer zero.Bytes(plain)

	priv, _ := btcec.PrivKeyFromBytes(plain)
	return priv, nil
}
