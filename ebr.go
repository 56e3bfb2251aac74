// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smr

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// ebrEpochs is the number of epoch slots in the rotation. Three slots give
// every retired object a full generation of separation from any reader
// that could still hold it: retire into staging, age through pending,
// reclaim from incumbent.
const ebrEpochs = 3

// ebrActive marks a record as inside a critical section. The low bits hold
// the epoch the record was stamped with on entry.
const (
	ebrActive    = 1 << 63
	ebrEpochMask = ebrActive - 1
)

// EBR implements epoch-based reclamation.
//
// Reader goroutines register and bracket every access to protected storage
// with [EBRHandle.Enter] and [EBRHandle.Exit]. Writers call [EBR.Sync] to
// advance the three-slot epoch rotation; an advance succeeds only when
// every active reader has been observed in the current epoch, which is the
// grace-period proof.
type EBR struct {
	_           pad
	globalEpoch atomix.Uint64 // 0, 1 or 2
	_           padShort
	head        atomic.Pointer[EBRHandle] // registry of registered goroutines
	unlink      sync.Mutex                // serializes Unregister unlink walks
}

// EBRHandle is the per-goroutine record of an [EBR] instance.
//
// A handle is owned by the goroutine that called [EBR.Register] and must
// not be shared. The state word packs the active flag and the stamped
// epoch so Enter publishes both with a single release store; the nesting
// counter is touched only by the owner and needs no atomics.
type EBRHandle struct {
	_       pad
	state   atomix.Uint64 // ebrActive|epoch while in a critical section
	_       padShort
	entries uint64 // nesting depth, owner-only
	next    atomic.Pointer[EBRHandle]
	e       *EBR
}

// NewEBR creates an EBR instance.
//
// The instance is shared by any number of goroutines and destroyed by
// dropping all references after every goroutine has unregistered.
func NewEBR() *EBR {
	return &EBR{}
}

// Register associates the calling goroutine with the instance and returns
// its handle.
//
// The record is published fully initialized and inactive. Insertion is a
// single compare-and-swap on the registry head: once Register returns, a
// concurrent Sync either observes the new record or a strictly prior
// registry state.
func (e *EBR) Register() *EBRHandle {
	h := &EBRHandle{e: e}

	sw := spin.Wait{}
	for {
		head := e.head.Load()
		h.next.Store(head)
		if e.head.CompareAndSwap(head, h) {
			return h
		}
		sw.Once()
	}
}

// Unregister detaches the caller's record from the registry.
//
// The caller must be outside any critical section and must not use the
// handle afterwards. Unlinking is serialized on a mutex; this is a cold
// path and keeps concurrent Register insertion lock-free. The record
// itself stays intact until the garbage collector drops it, so a registry
// scan that is mid-traversal at the record continues safely.
func (h *EBRHandle) Unregister() {
	if h.entries != 0 {
		panic("smr: Unregister inside critical section")
	}
	e := h.e
	e.unlink.Lock()
	defer e.unlink.Unlock()

	for {
		head := e.head.Load()
		if head == h {
			if e.head.CompareAndSwap(h, h.next.Load()) {
				break
			}
			// Lost to a concurrent Register; h is now interior.
			continue
		}
		prev := head
		for prev != nil && prev.next.Load() != h {
			prev = prev.next.Load()
		}
		if prev == nil {
			panic("smr: Unregister of handle not in registry")
		}
		// Only the head pointer races with Register; interior links are
		// written under the unlink mutex.
		prev.next.Store(h.next.Load())
		break
	}
	h.e = nil
}

// Enter begins a reader critical section. Critical sections nest; only the
// outermost Enter publishes. Between Enter and the matching Exit, any
// pointer loaded from protected storage remains safe to dereference.
//
// The outermost Enter stamps the record with the current global epoch and
// the active flag as one combined release store.
func (h *EBRHandle) Enter() {
	h.entries++
	if h.entries > 1 {
		return
	}
	epoch := h.e.globalEpoch.LoadAcquire()
	h.state.StoreRelease(ebrActive | epoch)
}

// Exit ends a reader critical section. Entries are strictly nested; only
// the outermost Exit clears the active flag, with release ordering so the
// section's reads complete before the record goes inactive.
//
// Exit without a matching Enter is a contract violation and panics.
func (h *EBRHandle) Exit() {
	if h.entries == 0 {
		panic("smr: Exit without matching Enter")
	}
	h.entries--
	if h.entries == 0 {
		h.state.StoreRelease(0)
	}
}

// Sync attempts to advance the global epoch and returns the epoch that is
// current after the attempt.
//
// If every active record is stamped with the current epoch, Sync advances
// the rotation and returns (newEpoch, true). Otherwise it returns
// (currentEpoch, false) and the caller retries after readers make
// progress. Sync is the only operation that advances the epoch; between
// racing writers exactly one advance wins per generation and the loser
// observes the updated epoch.
func (e *EBR) Sync() (uint64, bool) {
	cur := e.globalEpoch.LoadAcquire()
	for r := e.head.Load(); r != nil; r = r.next.Load() {
		s := r.state.LoadAcquire()
		if s&ebrActive != 0 && s&ebrEpochMask != cur {
			// A reader is still inside an older generation.
			return cur, false
		}
	}
	next := (cur + 1) % ebrEpochs
	if !e.globalEpoch.CompareAndSwapAcqRel(cur, next) {
		// A racing writer advanced this generation first.
		return e.globalEpoch.LoadAcquire(), false
	}
	return next, true
}

// StagingEpoch returns the epoch newly retired objects should be tagged
// with: the current global epoch.
func (e *EBR) StagingEpoch() uint64 {
	return e.globalEpoch.LoadAcquire()
}

// PendingEpoch returns the epoch whose objects become reclaimable at the
// next successful advance. With three slots, e-1 is e+2 (mod 3).
func (e *EBR) PendingEpoch() uint64 {
	return (e.globalEpoch.LoadAcquire() + 2) % ebrEpochs
}

// IncumbentEpoch returns the epoch whose objects are reclaimable now.
// Objects tagged with it were retired two successful advances ago, so
// every reader that could have observed them has exited. With three
// slots, e-2 is e+1 (mod 3).
func (e *EBR) IncumbentEpoch() uint64 {
	return (e.globalEpoch.LoadAcquire() + 1) % ebrEpochs
}

// Reclaimer returns a [Reclaimer] backed by this instance, for use with
// [GC]: objects are tagged with the staging epoch at retire time and
// become safe when their tag reaches the incumbent slot.
func (e *EBR) Reclaimer() Reclaimer {
	return ebrReclaimer{e}
}

type ebrReclaimer struct {
	e *EBR
}

func (r ebrReclaimer) StagingTag() uint64 {
	return r.e.StagingEpoch()
}

// IsSafe reports whether tag has rotated into the incumbent slot. A tag
// that was lapped by further advances only becomes equal to the incumbent
// again after a full extra rotation, by which point strictly more grace
// periods have elapsed, so the comparison never reports safe too early.
func (r ebrReclaimer) IsSafe(tag uint64) bool {
	return tag == r.e.IncumbentEpoch()
}

func (r ebrReclaimer) Advance() uint64 {
	epoch, _ := r.e.Sync()
	return epoch
}
