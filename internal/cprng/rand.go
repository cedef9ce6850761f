// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cprng implements a cryptographically seeded pseudorandom
// number generator safe for concurrent use. It exists because
// math/rand.Rand is not safe to share across goroutines and is
// normally seeded predictably, while the output randomness here
// (output shuffling) does not need a full crypto/rand read per call.
package cprng

import (
	"crypto/rand"
	"math/big"
	mathrand "math/rand"
	"sync"
	"time"
)

// rng is a math/rand source reseeded from crypto/rand at package init,
// guarded by mu since math/rand.Rand is not goroutine safe.
var (
	mu  sync.Mutex
	rng *mathrand.Rand
)

func init() {
	var seed int64
	max := big.NewInt(1 << 62)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fall back to a time-derived seed; this path only runs if
		// the system entropy source is unavailable.
		seed = time.Now().UnixNano()
	} else {
		seed = n.Int64()
	}
	rng = mathrand.New(mathrand.NewSource(seed))
}

// Int31n returns, as an int32, a non-negative pseudo-random number in
// [0,n). It panics if n <= 0.
func Int31n(n int32) int32 {
	mu.Lock()
	defer mu.Unlock()
	return rng.Int31n(n)
}

// Int63n returns, as an int64, a non-negative pseudo-random number in
// [0,n). It panics if n <= 0.
func Int63n(n int64) int64 {
	mu.Lock()
	defer mu.Unlock()
	return rng.Int63n(n)
}

// Intn returns, as an int, a non-negative pseudo-random number in
// [0,n). It panics if n <= 0.
func Intn(n int) int {
	mu.Lock()
	defer mu.Unlock()
	return rng.Intn(n)
}

// Shuffle pseudo-randomizes the order of elements using swap to
// exchange elements, matching math/rand.Shuffle's contract.
func Shuffle(n int, swap func(i, j int)) {
	mu.Lock()
	defer mu.Unlock()
	rng.Shuffle(n, swap)
}
