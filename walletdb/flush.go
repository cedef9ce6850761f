// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletdb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// flushInterval is the default period the FlushScheduler waits between
// checks of the dirty counter roughly every 500 ms.
const flushInterval = 500 * time.Millisecond

// FlushScheduler runs a single background task that periodically checks
// whether any writes have occurred since the last flush and, if so,
// calls the flush function. Backends whose Update already commits
// durably on every write (the bdb driver) can still use this to batch an
// explicit fsync/checkpoint; pgdb relies on Postgres's own WAL, so a
// no-op flush function is enough for it.
//
// Using lnd/ticker instead of a bare time.Ticker lets tests pause and
// force ticks deterministically instead of sleeping on wall-clock time.
type FlushScheduler struct {
	db    DB
	tick  ticker.Ticker
	dirty int32 // atomic

	quit chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	flushFunc   func() error
	lastFlushed time.Time
}

// NewFlushScheduler creates a FlushScheduler for db. flush is called
// whenever the scheduler decides a flush is due; for the bdb driver this
// is typically db.Copy-based snapshotting or simply a no-op (bbolt
// commits durably on every write already), while a driver with a
// deferred-durability write path would sync here.
func NewFlushScheduler(db DB, flush func() error) *FlushScheduler {
	return &FlushScheduler{
		db:        db,
		tick:      ticker.New(flushInterval),
		flushFunc: flush,
		quit:      make(chan struct{}),
	}
}

// MarkDirty records that a write has occurred since the last flush.
// Callers invoke it after each Update that commits successfully.
func (s *FlushScheduler) MarkDirty() {
	atomic.StoreInt32(&s.dirty, 1)
}

// Start begins the scheduler's background loop.
func (s *FlushScheduler) Start() {
	s.tick.Resume()
	s.wg.Add(1)
	go s.run()
}

// Stop halts the scheduler's background loop and waits for it to exit.
func (s *FlushScheduler) Stop() {
	close(s.quit)
	s.tick.Stop()
	s.wg.Wait()
}

func (s *FlushScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.tick.Ticks():
			if !atomic.CompareAndSwapInt32(&s.dirty, 1, 0) {
				continue
			}

			if err := s.flushFunc(); err == nil {
				s.mu.Lock()
				s.lastFlushed = time.Now()
				s.mu.Unlock()
			} else {
				// Writes are batched and atomic (7.
				// StorageError); a failed flush sets the
				// dirty bit again, so the following tick
				// retries it.
				atomic.StoreInt32(&s.dirty, 1)
			}

		case <-s.quit:
			return
		}
	}
}

// LastFlushed returns the time of the most recent successful flush, or
// the zero Time if none has occurred yet.
func (s *FlushScheduler) LastFlushed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlushed
}
