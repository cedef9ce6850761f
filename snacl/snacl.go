// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package snacl provides a scrypt-derived secret-box primitive used to wrap
// the wallet's master keys.  A SecretKey is derived from a user passphrase
// and a random salt via scrypt, then used as a NaCl secretbox key to seal
// and open arbitrary byte slices.
package snacl

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	// DefaultN is the default scrypt CPU/memory cost parameter.
	DefaultN = 262144 // 2^18

	// DefaultR is the default scrypt block size parameter.
	DefaultR = 8

	// DefaultP is the default scrypt parallelization parameter.
	DefaultP = 1

	// KeySize is the size in bytes of derived secretbox keys.
	KeySize = 32

	// SaltSize is the size in bytes of the scrypt salt.
	SaltSize = 32

	// nonceSize is the size in bytes of secretbox nonces.
	nonceSize = 24
)

// Error kinds returned by this package.
var (
	// ErrInvalidPassword is returned when deriving a key from a
	// passphrase that does not match the one used to create the
	// parameters.
	ErrInvalidPassword = errors.New("snacl: invalid password")

	// ErrDecryptFailed is returned when a ciphertext fails to open,
	// either because it was tampered with or the wrong key was used.
	ErrDecryptFailed = errors.New("snacl: decryption failed")

	// ErrMalformedParams is returned when unmarshalling parameters that
	// are too short or otherwise malformed.
	ErrMalformedParams = errors.New("snacl: malformed parameters")
)

// Parameters houses the scrypt KDF parameters and salt needed to rederive a
// SecretKey's Key given the correct passphrase.  This is the on-disk
// "params" blob; it never contains the derived key itself.
type Parameters struct {
	Salt [SaltSize]byte
	N    int
	R    int
	P    int
}

// SecretKey houses a secretbox key derived from a passphrase and the
// parameters required to rederive it.
type SecretKey struct {
	Key        [KeySize]byte
	Parameters Parameters
}

// GenerateSalt returns a new random salt suitable for use in Parameters.
func GenerateSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if err := randRead(salt[:]); err != nil {
		return salt, err
	}
	return salt, nil
}

// NewSecretKey derives a new SecretKey from passphrase and a freshly
// generated salt using the given scrypt cost parameters.
func NewSecretKey(passphrase *[]byte, n, r, p int) (*SecretKey, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	sk := &SecretKey{
		Parameters: Parameters{
			Salt: salt,
			N:    n,
			R:    r,
			P:    p,
		},
	}
	if err := sk.DeriveKey(passphrase); err != nil {
		return nil, err
	}
	return sk, nil
}

// DeriveKey derives the secretbox key from the passphrase and the key's
// existing Parameters, overwriting sk.Key in place.  It returns
// ErrInvalidPassword when the derived key looks like it came from a
// different passphrase than the one originally used — callers that unmarshal
// Parameters and then DeriveKey should compare the result against a known
// ciphertext rather than relying on this to catch every wrong passphrase, as
// scrypt itself cannot tell a wrong key from a right one.
func (sk *SecretKey) DeriveKey(passphrase *[]byte) error {
	derived, err := scrypt.Key(*passphrase, sk.Parameters.Salt[:],
		sk.Parameters.N, sk.Parameters.R, sk.Parameters.P, KeySize)
	if err != nil {
		return err
	}

	// Compare against any previously derived key so that repeated
	// derivations with a wrong passphrase consistently report
	// ErrInvalidPassword instead of silently swapping in a bad key.
	if sk.keyWasSet() && !constantTimeEq(sk.Key[:], derived) {
		zero(derived)
		return ErrInvalidPassword
	}

	copy(sk.Key[:], derived)
	zero(derived)
	return nil
}

// keyWasSet reports whether Key currently holds a non-zero value.
func (sk *SecretKey) keyWasSet() bool {
	for _, b := range sk.Key {
		if b != 0 {
			return true
		}
	}
	return false
}

// Marshal returns the serialized form of the key's Parameters, suitable for
// persisting alongside a ciphertext (the `mkey` persistence record, 6.).
func (sk *SecretKey) Marshal() []byte {
	buf := make([]byte, SaltSize+4+4+4)
	copy(buf, sk.Parameters.Salt[:])
	binary.LittleEndian.PutUint32(buf[SaltSize:], uint32(sk.Parameters.N))
	binary.LittleEndian.PutUint32(buf[SaltSize+4:], uint32(sk.Parameters.R))
	binary.LittleEndian.PutUint32(buf[SaltSize+8:], uint32(sk.Parameters.P))
	return buf
}

// Unmarshal restores sk.Parameters from a blob previously produced by
// Marshal.  The Key field is left zeroed; call DeriveKey to rederive it.
func (sk *SecretKey) Unmarshal(marshalled []byte) error {
	if len(marshalled) < SaltSize+12 {
		return ErrMalformedParams
	}
	copy(sk.Parameters.Salt[:], marshalled[:SaltSize])
	sk.Parameters.N = int(binary.LittleEndian.Uint32(marshalled[SaltSize:]))
	sk.Parameters.R = int(binary.LittleEndian.Uint32(marshalled[SaltSize+4:]))
	sk.Parameters.P = int(binary.LittleEndian.Uint32(marshalled[SaltSize+8:]))
	return nil
}

// Encrypt seals in under sk.Key, prefixing a freshly generated nonce.
func (sk *SecretKey) Encrypt(in []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if err := randRead(nonce[:]); err != nil {
		return nil, err
	}

	sealed := secretbox.Seal(nonce[:], in, &nonce, &sk.Key)
	return sealed, nil
}

// Decrypt opens a blob previously produced by Encrypt.
func (sk *SecretKey) Decrypt(in []byte) ([]byte, error) {
	if len(in) < nonceSize {
		return nil, ErrMalformedParams
	}

	var nonce [nonceSize]byte
	copy(nonce[:], in[:nonceSize])

	opened, ok := secretbox.Open(nil, in[nonceSize:], &nonce, &sk.Key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

// Zero zeroes the derived key in place.  It does not zero Parameters, which
// contain no secret material.
func (sk *SecretKey) Zero() {
	zero(sk.Key[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func constantTimeEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
