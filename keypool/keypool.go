// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keypool implements the wallet's address pool: a pair of pre-generated
// address pools (external/receive and internal/change) that the wallet
// draws from via a reserve/keep/return RAII protocol, topped up from an
// HD chain (or random generation for non-HD wallets) whenever either
// lane runs low.
package keypool

import (
	"errors"
	"sync"
	"time"
)

// DefaultTargetSize is the default number of unused keys each lane is
// topped up to when it runs low.
const DefaultTargetSize = 1000

// Errors returned by Pool operations.
var (
	// ErrPoolEmpty is returned by Reserve when a lane has no entries to
	// hand out and TopUp was not called (or could not derive more).
	ErrPoolEmpty = errors.New("keypool: pool exhausted")

	// ErrAlreadyKeptOrReturned is returned by Keep/Return on a
	// ReservedKey that has already been resolved.
	ErrAlreadyKeptOrReturned = errors.New("keypool: already kept or returned")
)

// KeySource derives the next key for a lane from the wallet's HD chain,
// or generates a random key for non-HD wallets ("Non-HD
// wallets generate random keys instead"). Implemented by the hdchain
// package; accepted here as an interface to avoid a dependency cycle.
type KeySource interface {
	// DeriveNext returns the next (index, serialized pubkey) pair for
	// the given lane, advancing the corresponding HDChain counter.
	DeriveNext(internal bool) (index uint32, pubkey []byte, err error)
}

// entry is a single unused, pool-held key.
type entry struct {
	index   uint32
	pubkey  []byte
	addedAt time.Time
}

// lane is one side (external or internal) of the keypool.
type lane struct {
	order   []uint32         // insertion order, oldest first
	entries map[uint32]entry // index -> entry, removed once reserved
}

func newLane() *lane {
	return &lane{entries: make(map[uint32]entry)}
}

func (l *lane) push(e entry) {
	l.order = append(l.order, e.index)
	l.entries[e.index] = e
}

// popOldest removes and returns the oldest entry in the lane.
func (l *lane) popOldest() (entry, bool) {
	for len(l.order) > 0 {
		idx := l.order[0]
		l.order = l.order[1:]
		if e, ok := l.entries[idx]; ok {
			delete(l.entries, idx)
			return e, true
		}
	}
	return entry{}, false
}

// discardThrough removes every entry with index <= through.
func (l *lane) discardThrough(through uint32) {
	kept := l.order[:0]
	for _, idx := range l.order {
		if idx <= through {
			delete(l.entries, idx)
			continue
		}
		kept = append(kept, idx)
	}
	l.order = kept
}

func (l *lane) restore(e entry) {
	// Returned entries go back to the front of the queue so they are
	// handed out again before freshly derived ones.
	l.order = append([]uint32{e.index}, l.order...)
	l.entries[e.index] = e
}

func (l *lane) oldestTime() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, e := range l.entries {
		if !found || e.addedAt.Before(oldest) {
			oldest, found = e.addedAt, true
		}
	}
	return oldest, found
}

// Pool is the pair of external (receiving) and internal (change) keypool
// lanes. Its methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	target int
	source KeySource

	external *lane
	internal *lane
}

// New returns an empty Pool backed by source, with the default target
// size. Call TopUp to populate it.
func New(source KeySource) *Pool {
	return &Pool{
		target:   DefaultTargetSize,
		source:   source,
		external: newLane(),
		internal: newLane(),
	}
}

// SetTargetSize changes the per-lane target used by TopUp.
func (p *Pool) SetTargetSize(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

// TopUp derives new keys from source until both lanes meet the target
// size, per the top-up policy. targetSize of 0 uses the pool's
// configured target.
func (p *Pool) TopUp(targetSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := targetSize
	if target <= 0 {
		target = p.target
	}

	for _, internal := range []bool{false, true} {
		l := p.laneFor(internal)
		for len(l.entries) < target {
			index, pubkey, err := p.source.DeriveNext(internal)
			if err != nil {
				return err
			}
			l.push(entry{index: index, pubkey: pubkey, addedAt: time.Now()})
		}
	}
	return nil
}

func (p *Pool) laneFor(internal bool) *lane {
	if internal {
		return p.internal
	}
	return p.external
}

// ReservedKey is an RAII handle on a key removed from its lane by
// Reserve. Exactly one of Keep or Return must be called; calling either
// a second time, or calling one after the other, returns
// ErrAlreadyKeptOrReturned.
type ReservedKey struct {
	pool     *Pool
	internal bool
	resolved bool
	entry    entry
}

// Index returns the reserved key's HD chain derivation index.
func (r *ReservedKey) Index() uint32 { return r.entry.index }

// PubKey returns the reserved key's serialized public key.
func (r *ReservedKey) PubKey() []byte { return r.entry.pubkey }

// Keep permanently removes the reserved entry from the pool (keep).
func (r *ReservedKey) Keep() error {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()

	if r.resolved {
		return ErrAlreadyKeptOrReturned
	}
	r.resolved = true
	return nil
}

// Return restores the reserved entry to its lane for reuse (return). It
// is safe to call from a defer after Keep already ran; the second call
// is a no-op error that callers following the standard
//
//	rk, _ := pool.Reserve(false)
//	defer rk.Return()
//	...
//	rk.Keep()
//
// pattern should ignore.
func (r *ReservedKey) Return() error {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()

	if r.resolved {
		return ErrAlreadyKeptOrReturned
	}
	r.resolved = true
	r.pool.laneFor(r.internal).restore(r.entry)
	return nil
}

// Reserve removes and returns the oldest entry from the requested lane
// (reserve). Callers must resolve the result with Keep or Return.
func (p *Pool) Reserve(internal bool) (*ReservedKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.laneFor(internal).popOldest()
	if !ok {
		return nil, ErrPoolEmpty
	}

	return &ReservedKey{pool: p, internal: internal, entry: e}, nil
}

// MarkUsedThrough discards every entry with index <= through from both
// lanes (mark_used_through). Used when a rescan discovers addresses were
// handed out beyond what the pool tracked, e.g. after restoring an older
// backup.
func (p *Pool) MarkUsedThrough(through uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.external.discardThrough(through)
	p.internal.discardThrough(through)
}

// CountExternal returns the number of unused entries in the external
// lane (count_external).
func (p *Pool) CountExternal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.external.entries)
}

// GetOldestTime returns the addition time of the oldest entry across
// both lanes (get_oldest_time).
func (p *Pool) GetOldestTime() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	extT, extOK := p.external.oldestTime()
	intT, intOK := p.internal.oldestTime()

	switch {
	case extOK && intOK:
		if extT.Before(intT) {
			return extT, true
		}
		return intT, true
	case extOK:
		return extT, true
	case intOK:
		return intT, true
	default:
		return time.Time{}, false
	}
}

// NewPool wipes both lanes and refills them to the target size
// (new_pool).
func (p *Pool) NewPool() error {
	p.mu.Lock()
	p.external = newLane()
	p.internal = newLane()
	p.mu.Unlock()

	return p.TopUp(0)
}
