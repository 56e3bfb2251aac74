// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smr

import (
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// Epoch values below qsbrEpochInit are reserved. A record whose local epoch
// equals qsbrOffline is in an extended quiescent state and is excluded from
// grace-period decisions. The global epoch starts above the sentinel and
// only grows; at 64 bits, wraparound is not a practical concern.
const (
	qsbrOffline   = 1
	qsbrEpochInit = 2
)

// QSBR implements quiescent-state-based reclamation.
//
// Reader goroutines register and periodically call [QSBRHandle.Checkpoint]
// at moments when they hold no references to protected objects. Writers
// advance the global epoch with [QSBR.Barrier] and poll [QSBRHandle.Sync]
// until every registered goroutine has checkpointed past the target or
// gone offline.
//
// All operations are non-blocking except [QSBRHandle.Wait].
type QSBR struct {
	_           pad
	globalEpoch atomix.Uint64
	_           padShort
	head        atomic.Pointer[QSBRHandle] // registry of registered goroutines
	unlink      sync.Mutex                 // serializes Unregister unlink walks
}

// QSBRHandle is the per-goroutine record of a [QSBR] instance.
//
// A handle is owned by the goroutine that called [QSBR.Register] and must
// not be shared. The local epoch is written only by the owner; grace-period
// scans read it with acquire ordering.
type QSBRHandle struct {
	_          pad
	localEpoch atomix.Uint64
	_          padShort
	next       atomic.Pointer[QSBRHandle]
	q          *QSBR
}

// NewQSBR creates a QSBR instance.
//
// The instance is shared by any number of goroutines and destroyed by
// dropping all references after every goroutine has unregistered.
func NewQSBR() *QSBR {
	q := &QSBR{}
	q.globalEpoch.StoreRelaxed(qsbrEpochInit)
	return q
}

// Register associates the calling goroutine with the instance and returns
// its handle.
//
// The record is published fully initialized with its local epoch set to the
// current global epoch (an implicit first checkpoint, since a goroutine
// holds no protected references before it registers). Insertion is a single
// compare-and-swap on the registry head: once Register returns, a
// concurrent Sync either observes the new record or a strictly prior
// registry state.
func (q *QSBR) Register() *QSBRHandle {
	h := &QSBRHandle{q: q}
	h.localEpoch.StoreRelaxed(q.globalEpoch.LoadAcquire())

	sw := spin.Wait{}
	for {
		head := q.head.Load()
		h.next.Store(head)
		if q.head.CompareAndSwap(head, h) {
			return h
		}
		sw.Once()
	}
}

// Unregister detaches the caller's record from the registry.
//
// The caller must be offline or have published a final checkpoint, and must
// not use the handle afterwards. Unlinking is serialized on a mutex; this
// is a cold path and keeps concurrent Register insertion lock-free. The
// record itself stays intact until the garbage collector drops it, so a
// registry scan that is mid-traversal at the record continues safely.
func (h *QSBRHandle) Unregister() {
	q := h.q
	q.unlink.Lock()
	defer q.unlink.Unlock()

	for {
		head := q.head.Load()
		if head == h {
			if q.head.CompareAndSwap(h, h.next.Load()) {
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
	h.q = nil
}

// Checkpoint publishes the current global epoch into the caller's record.
//
// Semantics: at this instant the caller holds no references to protected
// objects. The global epoch is read with acquire ordering so the caller
// observes every unlink that preceded the barrier it is acknowledging; the
// local store is a release so prior reads are finished before the epoch
// becomes visible to scanning writers.
func (h *QSBRHandle) Checkpoint() {
	e := h.q.globalEpoch.LoadAcquire()
	h.localEpoch.StoreRelease(e)
}

// Barrier atomically increments the global epoch and returns the new value.
//
// The read-modify-write is acquire-release: a writer's prior unlinks are
// visible to any reader that later observes the new epoch.
func (q *QSBR) Barrier() uint64 {
	return q.globalEpoch.AddAcqRel(1)
}

// Sync performs the caller's own checkpoint, then reports whether every
// registered goroutine is either offline or has checkpointed at or beyond
// target.
//
// target is a value previously returned by [QSBR.Barrier]. The registry is
// scanned without locks; per-record epochs are read with acquire ordering.
func (h *QSBRHandle) Sync(target uint64) bool {
	h.Checkpoint()
	for r := h.q.head.Load(); r != nil; r = r.next.Load() {
		e := r.localEpoch.LoadAcquire()
		if e != qsbrOffline && e < target {
			return false
		}
	}
	return true
}

// Wait runs a barrier and blocks until the grace period that started at
// that barrier has elapsed.
//
// Between polls the caller sleeps for the supplied interval; a
// non-positive interval selects adaptive backoff instead.
func (h *QSBRHandle) Wait(sleep time.Duration) {
	target := h.q.Barrier()
	if sleep > 0 {
		for !h.Sync(target) {
			time.Sleep(sleep)
		}
		return
	}
	backoff := iox.Backoff{}
	for !h.Sync(target) {
		backoff.Wait()
	}
}

// Offline puts the caller into an extended quiescent state so writers do
// not wait on it. The caller must hold no protected references and must
// not touch protected storage until [QSBRHandle.Online].
func (h *QSBRHandle) Offline() {
	h.localEpoch.StoreRelease(qsbrOffline)
}

// Online re-publishes the current global epoch, ending an extended
// quiescent state.
func (h *QSBRHandle) Online() {
	h.Checkpoint()
}

// Reclaimer returns a [Reclaimer] backed by this handle's QSBR instance,
// for use with [GC]. The handle becomes the writer-side record: IsSafe
// checkpoints it before scanning, so the GC-flushing goroutine never
// blocks its own grace periods.
func (h *QSBRHandle) Reclaimer() Reclaimer {
	return qsbrReclaimer{h}
}

type qsbrReclaimer struct {
	h *QSBRHandle
}

// StagingTag returns the value the next barrier will return. Objects
// retired before that barrier are tagged with it, so IsSafe(tag) proves
// every reader quiesced after the retirement became visible.
func (r qsbrReclaimer) StagingTag() uint64 {
	return r.h.q.globalEpoch.LoadAcquire() + 1
}

func (r qsbrReclaimer) IsSafe(tag uint64) bool {
	return r.h.Sync(tag)
}

func (r qsbrReclaimer) Advance() uint64 {
	return r.h.q.Barrier()
}
