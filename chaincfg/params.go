// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaincfg defines chain configuration parameters for the
// networks this wallet core can connect to (mainnet, testnet, regtest),
// mirroring the shape of btcd's chaincfg.Params but scoped to what a
// wallet needs: address version bytes, HD extended key version bytes,
// and PrivateSend's denomination ladder and collateral amount.
package chaincfg

import (
	"errors"
	"time"

	"github.com/dashwallet/core/dashutil"
)

// Net represents which Dash network a message belongs to.
type Net uint32

// Network magic values, matching the wire protocol's message start bytes
// for each Dash network.
const (
	MainNet Net = 0xbd6b0cbf
	TestNet Net = 0xffcae2ce
	RegNet  Net = 0xdcb7c1fc
)

// String returns the Net as a human-readable name.
func (n Net) String() string {
	switch n {
	case MainNet:
		return "mainnet"
	case TestNet:
		return "testnet"
	case RegNet:
		return "regtest"
	default:
		return "unknown"
	}
}

// ErrUnknownNet describes an error where a network is not recognized.
var ErrUnknownNet = errors.New("chaincfg: unknown net")

// Params defines a Dash network by its parameters. These values are used
// throughout the wallet core to package-address encoding, derive the
// correct HD extended key prefixes, and drive PrivateSend's fixed
// denomination and collateral amounts.
type Params struct {
	// Name defines the human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the start of a
	// message on this network.
	Net Net

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// CoinbaseMaturity is the number of blocks required before newly
	// generated coins (coinbase transactions) can be spent.
	CoinbaseMaturity uint16

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// PubKeyHashAddrID is the version byte used with a base58-encoded
	// pay-to-pubkey-hash address.
	PubKeyHashAddrID byte

	// ScriptHashAddrID is the version byte used with a base58-encoded
	// pay-to-script-hash address.
	ScriptHashAddrID byte

	// PrivateKeyID is the version byte used with a base58-encoded WIF
	// private key.
	PrivateKeyID byte

	// HDPrivateKeyID is the four-byte version used with a base58-encoded
	// HD extended private key, per BIP32.
	HDPrivateKeyID [4]byte

	// HDPublicKeyID is the four-byte version used with a base58-encoded
	// HD extended public key, per BIP32.
	HDPublicKeyID [4]byte

	// HDCoinType is the BIP44 coin type used when constructing a default
	// BIP44 HD keychain for this network.
	HDCoinType uint32

	// PrivateSendDenominations is the fixed ladder of output amounts
	// PrivateSend mixes. An output qualifies as "denominated" only when
	// its amount exactly matches one of these.
	PrivateSendDenominations []dashutil.Amount

	// PrivateSendCollateralAmount is the fixed collateral output amount
	// (ONLY_NODE_COLLATERAL / ONLY_MIXING_COLLATERAL coin types) used to
	// pay masternode session fees.
	PrivateSendCollateralAmount dashutil.Amount

	// PrivateSendMaxRounds is the default number of mixing rounds a
	// denominated output is cycled through before it is considered fully
	// anonymized.
	PrivateSendMaxRounds int
}

// privateSendDenominations is the standard PrivateSend denomination ladder
// shared by every network: 10, 1, 0.1, 0.01, 0.001 DASH, each expressed in
// duffs. An output counts as denominated only when its amount equals one
// of these values exactly; no extra "fuzz" duffs are added or tolerated.
func privateSendDenominations() []dashutil.Amount {
	return []dashutil.Amount{
		10 * dashutil.DuffPerDash,
		1 * dashutil.DuffPerDash,
		dashutil.DuffPerDash / 10,
		dashutil.DuffPerDash / 100,
		dashutil.DuffPerDash / 1000,
	}
}

// privateSendCollateral is the fixed PrivateSend collateral amount: exactly
// 1000 duffs, per wallet.h's ONLY_NODE_COLLATERAL coin type.
const privateSendCollateral = dashutil.Amount(1000)

// MainNetParams defines the network parameters for the main Dash network.
var MainNetParams = Params{
	Name:                        "mainnet",
	Net:                         MainNet,
	DefaultPort:                 "9999",
	CoinbaseMaturity:            100,
	TargetTimePerBlock:          time.Minute*2 + time.Second*30,
	PubKeyHashAddrID:            0x4c, // starts with X
	ScriptHashAddrID:            0x10, // starts with 7
	PrivateKeyID:                0xcc,
	HDPrivateKeyID:              [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
	HDPublicKeyID:               [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
	HDCoinType:                  5,
	PrivateSendDenominations:    privateSendDenominations(),
	PrivateSendCollateralAmount: privateSendCollateral,
	PrivateSendMaxRounds:        16,
}

// TestNetParams defines the network parameters for the test Dash network.
var TestNetParams = Params{
	Name:                        "testnet",
	Net:                         TestNet,
	DefaultPort:                 "19999",
	CoinbaseMaturity:            100,
	TargetTimePerBlock:          time.Minute*2 + time.Second*30,
	PubKeyHashAddrID:            0x8c, // starts with y
	ScriptHashAddrID:            0x13, // starts with 8 or 9
	PrivateKeyID:                0xef,
	HDPrivateKeyID:              [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
	HDPublicKeyID:               [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
	HDCoinType:                  1,
	PrivateSendDenominations:    privateSendDenominations(),
	PrivateSendCollateralAmount: privateSendCollateral,
	PrivateSendMaxRounds:        16,
}

// RegressionNetParams defines the network parameters for the regression
// test Dash network.
var RegressionNetParams = Params{
	Name:                        "regtest",
	Net:                         RegNet,
	DefaultPort:                 "19899",
	CoinbaseMaturity:            100,
	TargetTimePerBlock:          time.Minute*2 + time.Second*30,
	PubKeyHashAddrID:            0x8c,
	ScriptHashAddrID:            0x13,
	PrivateKeyID:                0xef,
	HDPrivateKeyID:              [4]byte{0x04, 0x35, 0x83, 0x94},
	HDPublicKeyID:               [4]byte{0x04, 0x35, 0x87, 0xcf},
	HDCoinType:                  1,
	PrivateSendDenominations:    privateSendDenominations(),
	PrivateSendCollateralAmount: privateSendCollateral,
	PrivateSendMaxRounds:        16,
}

var registeredNets = map[Net]*Params{
	MainNet: &MainNetParams,
	TestNet: &TestNetParams,
	RegNet:  &RegressionNetParams,
}

// ParamsForNet returns the registered Params for a given Net, or
// ErrUnknownNet if the network hasn't been registered.
func ParamsForNet(net Net) (*Params, error) {
	p, ok := registeredNets[net]
	if !ok {
		return nil, ErrUnknownNet
	}
	return p, nil
}

// HDPrivKeyVersion and HDPubKeyVersion implement hdkeychain.NetworkParams,
// letting hdkeychain.NewMaster derive a wallet seed directly against this
// package's Params without going through btcd's own chaincfg.

// HDPrivKeyVersion returns the four-byte version used for a
// base58-encoded HD extended private key on this network.
func (p *Params) HDPrivKeyVersion() [4]byte {
	return p.HDPrivateKeyID
}

// HDPubKeyVersion returns the four-byte version used for a
// base58-encoded HD extended public key on this network.
func (p *Params) HDPubKeyVersion() [4]byte {
	return p.HDPublicKeyID
}

// AddressParams adapts a Params down to the narrower dashutil.Params shape
// address encoding and decoding need.
func (p *Params) AddressParams() *dashutil.Params {
	return &dashutil.Params{
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
	}
}

// IsDenomination reports whether amt exactly matches a rung of the
// PrivateSend denomination ladder.
func (p *Params) IsDenomination(amt dashutil.Amount) bool {
	_, ok := p.DenominationIndex(amt)
	return ok
}

// DenominationIndex returns the index of amt within the PrivateSend
// denomination ladder, and whether it was found. Index 0 is the largest
// denomination (10 DASH).
func (p *Params) DenominationIndex(amt dashutil.Amount) (int, bool) {
	for i, d := range p.PrivateSendDenominations {
		if amt == d {
			return i, true
		}
	}
	return 0, false
}
