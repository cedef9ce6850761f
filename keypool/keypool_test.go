// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keypool

import "testing"

// fakeSource hands out sequentially increasing indexes per lane,
// mimicking an HDChain without requiring one in this package's tests.
type fakeSource struct {
	nextExternal uint32
	nextInternal uint32
}

func (f *fakeSource) DeriveNext(internal bool) (uint32, []byte, error) {
	var idx uint32
	if internal {
		idx = f.nextInternal
		f.nextInternal++
	} else {
		idx = f.nextExternal
		f.nextExternal++
	}
	return idx, []byte{byte(idx)}, nil
}

func TestTopUpFillsBothLanes(t *testing.T) {
	p := New(&fakeSource{})
	p.SetTargetSize(10)

	if err := p.TopUp(0); err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	if n := p.CountExternal(); n != 10 {
		t.Fatalf("CountExternal = %d, want 10", n)
	}
}

func TestReserveKeepRemovesEntry(t *testing.T) {
	p := New(&fakeSource{})
	if err := p.TopUp(5); err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	before := p.CountExternal()

	rk, err := p.Reserve(false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n := p.CountExternal(); n != before-1 {
		t.Fatalf("CountExternal after Reserve = %d, want %d", n, before-1)
	}

	if err := rk.Keep(); err != nil {
		t.Fatalf("Keep: %v", err)
	}
	if n := p.CountExternal(); n != before-1 {
		t.Fatalf("CountExternal after Keep = %d, want %d", n, before-1)
	}

	if err := rk.Keep(); err != ErrAlreadyKeptOrReturned {
		t.Fatalf("second Keep = %v, want ErrAlreadyKeptOrReturned", err)
	}
}

func TestReserveReturnRestoresEntry(t *testing.T) {
	p := New(&fakeSource{})
	if err := p.TopUp(5); err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	before := p.CountExternal()

	rk, err := p.Reserve(false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := rk.Return(); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if n := p.CountExternal(); n != before {
		t.Fatalf("CountExternal after Return = %d, want %d", n, before)
	}

	if err := rk.Return(); err != ErrAlreadyKeptOrReturned {
		t.Fatalf("second Return = %v, want ErrAlreadyKeptOrReturned", err)
	}
}

func TestReserveOnEmptyPoolFails(t *testing.T) {
	p := New(&fakeSource{})

	if _, err := p.Reserve(false); err != ErrPoolEmpty {
		t.Fatalf("Reserve on empty pool = %v, want ErrPoolEmpty", err)
	}
}

func TestMarkUsedThroughDiscardsLowIndexes(t *testing.T) {
	p := New(&fakeSource{})
	if err := p.TopUp(10); err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	p.MarkUsedThrough(4)

	if n := p.CountExternal(); n != 5 {
		t.Fatalf("CountExternal after MarkUsedThrough(4) = %d, want 5", n)
	}

	rk, err := p.Reserve(false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if rk.Index() != 5 {
		t.Fatalf("Reserve after MarkUsedThrough returned index %d, want 5", rk.Index())
	}
}

func TestNewPoolWipesAndRefills(t *testing.T) {
	p := New(&fakeSource{})
	if err := p.TopUp(3); err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	if err := p.NewPool(); err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	if n := p.CountExternal(); n != DefaultTargetSize {
		t.Fatalf("CountExternal after NewPool = %d, want %d", n, DefaultTargetSize)
	}
}
