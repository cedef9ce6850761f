// Copyright (c) 2015 The btcsuite developers
// Copyright (c) 2015 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txrules provides functions that help establish whether or not
a transaction abides by non-consensus relay rules: dust outputs, output
amount limits, and the minimum relay fee for a given size.

Dust and Fee Per KB Calculation

Please refer to mempool.go in dcrd for more information about the importance
of these function.
*/
package txrules
