// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashutil

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // ripemd160 is required by the address format itself
)

// Hash160 calculates the hash ripemd160(sha256(b)), commonly used to
// compute the 20-byte pubkey/script hashes that go into P2PKH and P2SH
// addresses.
func Hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	hasher := ripemd160.New()
	hasher.Write(sha[:])
	return hasher.Sum(nil)
}
