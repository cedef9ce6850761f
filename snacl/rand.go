// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snacl

import "crypto/rand"

// randRead fills b with cryptographically secure random bytes.
func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}
