// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package smr provides safe memory reclamation primitives for lock-free
// data structures.
//
// The package lets writer goroutines defer the destruction of objects that
// concurrent readers may still observe, without locks and without per-object
// reference counts. A writer removes an object from protected storage,
// retires it, and the library proves a grace period (an interval after
// which every reader critical section that began before the interval has
// ended) before the object's destructor runs.
//
// Three components are provided:
//
//   - QSBR: Quiescent-State-Based Reclamation. Readers periodically declare
//     checkpoints ("at this instant I hold no protected references").
//   - EBR: Epoch-Based Reclamation. Readers bracket accesses with Enter/Exit;
//     a three-epoch rotation proves grace periods.
//   - GC: a deferred-destruction queue layered on either backing through the
//     [Reclaimer] interface.
//
// # Quick Start
//
// EBR with a GC queue:
//
//	ebr := smr.NewEBR()
//	gc := smr.NewGC[Node](ebr.Reclaimer(), func(n *Node) { pool.Put(n) })
//
//	// Reader goroutine
//	h := ebr.Register()
//	h.Enter()
//	n := head.Load() // safe to dereference until Exit
//	...
//	h.Exit()
//
//	// Writer goroutine
//	old := head.Swap(next) // unlink from protected storage
//	gc.Limbo(old)          // defer destruction
//	gc.Flush(time.Millisecond)
//
// QSBR without GC:
//
//	q := smr.NewQSBR()
//	h := q.Register()
//
//	// Reader: between adjacent checkpoints, held references remain valid.
//	for req := range requests {
//	    serve(req)
//	    h.Checkpoint()
//	}
//
//	// Writer: unlink, then wait out the grace period.
//	w := q.Register()
//	slot.Store(nil)
//	w.Wait(10 * time.Microsecond)
//	free(obj)
//
// # Registration
//
// Every goroutine that participates on the reader side registers with the
// instance and receives a handle. Handles are explicit rather than ambient:
// Go has no thread-local storage, and passing the handle makes ownership
// clear. A handle is owned by exactly one goroutine; sharing a handle
// between goroutines is a contract violation.
//
// Registration is lock-free (a single compare-and-swap on the registry
// head) and linearizable: once Register returns, every grace-period
// decision observes the new record. Unregister detaches the caller's
// record; the caller must be offline (QSBR) or outside any critical
// section (EBR) when it unregisters.
//
// # QSBR
//
// A checkpoint publishes the current global epoch into the caller's record.
// Writers advance the global epoch with [QSBR.Barrier] and then poll
// [QSBRHandle.Sync] until every registered goroutine has either checkpointed
// at or beyond the target epoch or declared itself offline.
//
// A reader that will be idle for an unbounded time calls
// [QSBRHandle.Offline] so writers do not wait on it, and
// [QSBRHandle.Online] before touching protected storage again.
//
// # EBR
//
// Readers bracket accesses with [EBRHandle.Enter] and [EBRHandle.Exit].
// Critical sections nest; only the outermost pair publishes. The instance
// maintains three epoch slots rotating modulo 3:
//
//	staging   - the current epoch; newly retired objects are tagged with it
//	pending   - objects retired one advance ago; safe after the next advance
//	incumbent - objects retired two advances ago; reclaimable now
//
// [EBR.Sync] advances the rotation only when every active reader is stamped
// with the current epoch. An object retired at epoch E cannot be referenced
// by a reader that entered after the E→E+1 transition, so when the rotation
// reaches E+2 every reader that could have seen it has exited.
//
// # GC
//
// GC wraps a [Reclaimer] (obtained from EBR or a QSBR handle) with a typed
// FIFO of retired objects. [GC.Limbo] tags the object with the backing's
// staging tag; [GC.AsyncFlush] destroys the FIFO prefix whose tags have
// become safe; [GC.Flush] drives epoch advances and polls until the queue
// is empty. Destructors run on the flushing goroutine, in retirement order,
// at most once per object.
//
// Limbo and the flush operations are single-writer: one goroutine per GC
// instance, or external mutual exclusion. Reader handles are not involved.
//
// # Starvation
//
// Grace periods require reader cooperation. If every reader checkpoints
// (QSBR) or exits (EBR) periodically, Wait and Flush terminate. A reader
// that stays in a critical section forever blocks writers forever; the
// library does not time out on its behalf.
//
// Pending-reclaim queues are unbounded: a writer that retires faster than
// readers quiesce grows the queue without limit.
//
// # Memory Ordering
//
// Every cross-goroutine word is accessed through [code.hybscloud.com/atomix]
// with explicit orderings: release on publishing stores (checkpoint, enter,
// exit), acquire on observing loads (registry scans), acquire-release on the
// epoch read-modify-write. Registry link pointers use typed stdlib atomics;
// insertion publishes a fully initialized record, which is what makes the
// unsynchronized registry scan in Sync safe against concurrent Register.
//
// # Race Detection
//
// Go's race detector cannot observe happens-before established through
// atomic orderings on separate variables. Stress tests that rely on
// cross-variable acquire/release synchronization are skipped under the race
// detector via [RaceEnabled]; see the lfq package documentation for the
// full rationale.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/atomix] for atomic primitives with
// explicit memory ordering, [code.hybscloud.com/spin] for CPU pause
// instructions in compare-and-swap loops, and [code.hybscloud.com/iox] for
// adaptive backoff in polling waits.
package smr
