// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import "errors"

// Sentinel errors returned by Keystore operations. These map onto the
// error kinds named in 7. ERROR HANDLING DESIGN: Locked and InvalidInput.
var (
	// ErrLocked is returned by GetKey when the wallet is encrypted and
	// locked (or unlocked for mixing only, and the caller is not the
	// mixing subsystem).
	ErrLocked = errors.New("keystore: locked")

	// ErrNotFound is returned when a key or script isn't known to the
	// keystore.
	ErrNotFound = errors.New("keystore: not found")

	// ErrAlreadyEncrypted is returned by Encrypt when the keystore has
	// already transitioned out of the Plain state; the transition is
	// one-way.
	ErrAlreadyEncrypted = errors.New("keystore: already encrypted")

	// ErrWrongPassphrase is returned by Unlock and ChangePassphrase when
	// the supplied passphrase fails to decrypt a master key.
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase")

	// ErrNotEncrypted is returned by operations that require an
	// encrypted keystore (Unlock, ChangePassphrase, Lock) when called
	// on a Plain keystore.
	ErrNotEncrypted = errors.New("keystore: not encrypted")
)
