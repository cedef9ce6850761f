// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletdb

import (
	"fmt"
	"os"
)

// Backup serializes the current database to dest using the driver's Copy
// method. Callers are expected to hold the wallet's main lock across this
// call (5.), since Copy itself only guarantees a consistent snapshot of
// the database, not exclusion of concurrent wallet-level mutation.
func Backup(db DB, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("walletdb: create backup file: %w", err)
	}
	defer f.Close()

	if err := db.Copy(f); err != nil {
		return fmt.Errorf("walletdb: backup: %w", err)
	}

	return f.Sync()
}
