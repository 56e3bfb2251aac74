// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smr_test

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/smr"
)

// =============================================================================
// EBR - Basic Operations
// =============================================================================

// TestEBRAllInactive verifies that Sync advances the epoch on every call
// when no reader is inside a critical section.
func TestEBRAllInactive(t *testing.T) {
	e := smr.NewEBR()
	for range 3 {
		_ = e.Register()
	}

	prev := e.StagingEpoch()
	for range 9 {
		epoch, ok := e.Sync()
		if !ok {
			t.Fatal("Sync: got false with no active readers")
		}
		if want := (prev + 1) % 3; epoch != want {
			t.Fatalf("Sync: advanced to %d, want %d", epoch, want)
		}
		prev = epoch
	}
}

// TestEBREpochAccessors verifies the rotation relationship between the
// three epoch slots.
func TestEBREpochAccessors(t *testing.T) {
	e := smr.NewEBR()
	for range 6 {
		staging := e.StagingEpoch()
		if got, want := e.IncumbentEpoch(), (staging+1)%3; got != want {
			t.Fatalf("IncumbentEpoch: got %d, want %d (staging %d)", got, want, staging)
		}
		if got, want := e.PendingEpoch(), (staging+2)%3; got != want {
			t.Fatalf("PendingEpoch: got %d, want %d (staging %d)", got, want, staging)
		}
		if _, ok := e.Sync(); !ok {
			t.Fatal("Sync: got false with an empty registry")
		}
	}
}

// TestEBRSyncBlocksOnStaleReader verifies that a reader stamped with an
// older epoch holds the rotation, and that the epoch advances once the
// reader exits.
func TestEBRSyncBlocksOnStaleReader(t *testing.T) {
	e := smr.NewEBR()
	r := e.Register()

	r.Enter()
	// The reader is stamped with the current epoch, so one advance is
	// still permitted.
	if _, ok := e.Sync(); !ok {
		t.Fatal("Sync: got false, active reader is stamped with the current epoch")
	}
	// Now the reader is one generation behind: the rotation must stall.
	if _, ok := e.Sync(); ok {
		t.Fatal("Sync: got true with an active reader in the previous epoch")
	}
	r.Exit()
	if _, ok := e.Sync(); !ok {
		t.Fatal("Sync: got false after the reader exited")
	}
}

// TestEBRNesting verifies that only the outermost Enter/Exit pair
// publishes and clears the active state.
func TestEBRNesting(t *testing.T) {
	e := smr.NewEBR()
	r := e.Register()

	r.Enter()
	r.Enter()
	r.Enter()
	e.Sync() // stamp becomes stale

	r.Exit()
	r.Exit()
	// Still nested: the rotation must remain stalled.
	if _, ok := e.Sync(); ok {
		t.Fatal("Sync: got true while the reader is still nested")
	}
	r.Exit()
	if _, ok := e.Sync(); !ok {
		t.Fatal("Sync: got false after the outermost Exit")
	}
}

// TestEBRExitUnderflow verifies that a mismatched Exit fails hard.
func TestEBRExitUnderflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Exit without Enter: expected panic")
		}
	}()
	e := smr.NewEBR()
	r := e.Register()
	r.Exit()
}

// TestEBRThreeSlotRotation walks an object through the retire pipeline:
// tagged at the staging epoch, it must not be reported safe until two
// successful advances later.
func TestEBRThreeSlotRotation(t *testing.T) {
	e := smr.NewEBR()
	rec := e.Reclaimer()

	tag := rec.StagingTag()
	if tag != e.StagingEpoch() {
		t.Fatalf("StagingTag: got %d, want %d", tag, e.StagingEpoch())
	}
	if rec.IsSafe(tag) {
		t.Fatal("IsSafe: got true at the staging epoch")
	}
	if _, ok := e.Sync(); !ok {
		t.Fatal("Sync: got false with an empty registry")
	}
	if rec.IsSafe(tag) {
		t.Fatal("IsSafe: got true after one advance, want two")
	}
	if _, ok := e.Sync(); !ok {
		t.Fatal("Sync: got false with an empty registry")
	}
	if !rec.IsSafe(tag) {
		t.Fatal("IsSafe: got false after two advances")
	}
}

// =============================================================================
// EBR - Concurrency
// =============================================================================

// TestEBRWriterRace runs several writers racing to advance the epoch with
// no readers: each generation must be won exactly once, so the epoch
// observed after N total successes is N mod 3.
func TestEBRWriterRace(t *testing.T) {
	const (
		numWriters        = 4
		successesPerRound = 1000
	)
	e := smr.NewEBR()

	var wg sync.WaitGroup
	var advances atomix.Int64
	for range numWriters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backoff := iox.Backoff{}
			for advances.Load() < successesPerRound {
				if _, ok := e.Sync(); ok {
					advances.Add(1)
					backoff.Reset()
				} else {
					backoff.Wait()
				}
			}
		}()
	}
	wg.Wait()

	total := advances.Load()
	if got, want := e.StagingEpoch(), uint64(total)%3; got != want {
		t.Fatalf("StagingEpoch after %d advances: got %d, want %d", total, got, want)
	}
}

// TestEBRGracePeriod verifies that a reader holding a pointer obtained
// inside a critical section exits before the object's tag becomes safe.
// The writer retires an object, drives the rotation and poisons the
// object once safe; readers re-validate on every dereference.
func TestEBRGracePeriod(t *testing.T) {
	const (
		numReaders = 3
		magic      = uint64(0x5a5a5a5a)
		poisoned   = uint64(0xdeadbeef)
	)
	duration := 2 * time.Second
	if testing.Short() {
		duration = 200 * time.Millisecond
	}

	type object struct {
		value atomix.Uint64
	}

	e := smr.NewEBR()
	rec := e.Reclaimer()
	var slot atomix.Uintptr
	objects := make([]object, 1<<16)
	var corrupt atomix.Bool

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range numReaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := e.Register()
			defer h.Unregister()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h.Enter()
				idx := slot.LoadAcquire()
				if idx != 0 {
					if objects[idx-1].value.LoadAcquire() != magic {
						corrupt.Store(true)
						h.Exit()
						return
					}
				}
				h.Exit()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(duration)
		backoff := iox.Backoff{}
		next := uint64(0)
		for time.Now().Before(deadline) {
			cur := next%uint64(len(objects)) + 1
			objects[cur-1].value.StoreRelease(magic)
			slot.StoreRelease(uintptr(cur))

			slot.StoreRelease(0)
			tag := rec.StagingTag()
			for !rec.IsSafe(tag) {
				if _, ok := e.Sync(); !ok {
					backoff.Wait()
				} else {
					backoff.Reset()
				}
			}
			objects[cur-1].value.StoreRelease(poisoned)
			next++
		}
		close(stop)
	}()

	wg.Wait()
	if corrupt.Load() {
		t.Fatal("reader observed a poisoned object inside its critical section")
	}
}
