// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashutil

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// ErrChecksumMismatch describes an error where decoding a Dash address
// failed due to a bad checksum.
var ErrChecksumMismatch = errors.New("dashutil: checksum mismatch")

// ErrUnknownAddressType describes an error where an address cannot
// determined to decode to any specific address type.
var ErrUnknownAddressType = errors.New("dashutil: unknown address type")

// Address is an interface type for any type of destination a transaction
// output may spend to. This includes pay-to-pubkey-hash (P2PKH) and
// pay-to-script-hash (P2SH) addresses. Address is designed to be generic
// enough that other kinds of addresses may be added in the future without
// changing the decoding and encoding API.
type Address interface {
	// String returns the string encoding of the transaction output
	// destination.
	String() string

	// EncodeAddress returns the base58 encoded string for an address,
	// using the format defined by a particular Params (mainnet,
	// testnet, regtest).
	EncodeAddress() string

	// ScriptAddress returns the raw bytes of the address to be used
	// when inserting the address into a txout's script.
	ScriptAddress() []byte

	// IsForNet returns whether the address is associated with the
	// passed network parameters.
	IsForNet(params *Params) bool
}

// Params mirrors the handful of address-related network parameters a
// Dash chaincfg.Params needs, kept here to avoid an import cycle with
// chaincfg (which itself embeds these into its richer Params type).
type Params struct {
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
}

// encodeAddress returns a base58 encoded address string, adding a version
// byte and checksum as described by the Base58Check encoding scheme shared
// by Dash and Bitcoin.
func encodeAddress(hash160 []byte, netID byte) string {
	return base58.CheckEncode(hash160, netID)
}

// AddressPubKeyHash is an Address for a pay-to-pubkey-hash (P2PKH)
// transaction.
type AddressPubKeyHash struct {
	hash  [20]byte
	netID byte
}

// NewAddressPubKeyHash returns a new AddressPubKeyHash. pkHash must be
// 20 bytes.
func NewAddressPubKeyHash(pkHash []byte, params *Params) (*AddressPubKeyHash, error) {
	return newAddressPubKeyHash(pkHash, params.PubKeyHashAddrID)
}

func newAddressPubKeyHash(pkHash []byte, netID byte) (*AddressPubKeyHash, error) {
	if len(pkHash) != 20 {
		return nil, fmt.Errorf("dashutil: pkHash must be 20 bytes, is %d", len(pkHash))
	}

	addr := &AddressPubKeyHash{netID: netID}
	copy(addr.hash[:], pkHash)
	return addr, nil
}

// EncodeAddress returns the base58 encoded form of the address.
func (a *AddressPubKeyHash) EncodeAddress() string {
	return encodeAddress(a.hash[:], a.netID)
}

// ScriptAddress returns the bytes to be included in a txout script to pay
// to this address.
func (a *AddressPubKeyHash) ScriptAddress() []byte {
	return a.hash[:]
}

// IsForNet returns whether the address is associated with the passed
// network parameters.
func (a *AddressPubKeyHash) IsForNet(params *Params) bool {
	return a.netID == params.PubKeyHashAddrID
}

// String returns a human-readable string for the pay-to-pubkey-hash address.
func (a *AddressPubKeyHash) String() string {
	return a.EncodeAddress()
}

// Hash160 returns the underlying array of the pubkey hash.
func (a *AddressPubKeyHash) Hash160() *[20]byte {
	return &a.hash
}

// AddressScriptHash is an Address for a pay-to-script-hash (P2SH)
// transaction.
type AddressScriptHash struct {
	hash  [20]byte
	netID byte
}

// NewAddressScriptHash returns a new AddressScriptHash from a redeem script.
func NewAddressScriptHash(serializedScript []byte, params *Params) (*AddressScriptHash, error) {
	scriptHash := Hash160(serializedScript)
	return newAddressScriptHashFromHash(scriptHash, params.ScriptHashAddrID)
}

// NewAddressScriptHashFromHash returns a new AddressScriptHash from an
// already-hashed redeem script.
func NewAddressScriptHashFromHash(scriptHash []byte, params *Params) (*AddressScriptHash, error) {
	return newAddressScriptHashFromHash(scriptHash, params.ScriptHashAddrID)
}

func newAddressScriptHashFromHash(scriptHash []byte, netID byte) (*AddressScriptHash, error) {
	if len(scriptHash) != 20 {
		return nil, fmt.Errorf("dashutil: scriptHash must be 20 bytes, is %d", len(scriptHash))
	}

	addr := &AddressScriptHash{netID: netID}
	copy(addr.hash[:], scriptHash)
	return addr, nil
}

// EncodeAddress returns the base58 encoded form of the address.
func (a *AddressScriptHash) EncodeAddress() string {
	return encodeAddress(a.hash[:], a.netID)
}

// ScriptAddress returns the bytes to be included in a txout script to pay
// to this address.
func (a *AddressScriptHash) ScriptAddress() []byte {
	return a.hash[:]
}

// IsForNet returns whether the address is associated with the passed
// network parameters.
func (a *AddressScriptHash) IsForNet(params *Params) bool {
	return a.netID == params.ScriptHashAddrID
}

// String returns a human-readable string for the pay-to-script-hash address.
func (a *AddressScriptHash) String() string {
	return a.EncodeAddress()
}

// Hash160 returns the underlying array of the script hash.
func (a *AddressScriptHash) Hash160() *[20]byte {
	return &a.hash
}

// DecodeAddress decodes the string encoding of an address and returns the
// Address if it is a valid encoding for a known address type and is for
// the network matching the provided network parameters.
func DecodeAddress(addr string, params *Params) (Address, error) {
	decoded, netID, err := base58.CheckDecode(addr)
	if err != nil {
		if err == base58.ErrChecksum {
			return nil, ErrChecksumMismatch
		}
		return nil, fmt.Errorf("dashutil: decoded address is of unknown format: %w", err)
	}

	switch netID {
	case params.PubKeyHashAddrID:
		return newAddressPubKeyHash(decoded, netID)
	case params.ScriptHashAddrID:
		return newAddressScriptHashFromHash(decoded, netID)
	default:
		return nil, ErrUnknownAddressType
	}
}
