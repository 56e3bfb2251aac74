// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smr

import (
	"time"

	"code.hybscloud.com/iox"
)

// GC is a deferred-destruction queue over a backing [Reclaimer].
//
// Retired objects are appended with their staging tag and held until the
// backing scheme reports the tag safe, at which point the destructor runs.
// Entries drain in FIFO order: tags are appended in epoch order, so the
// queue is always a safe prefix followed by a not-yet-safe suffix.
//
// A GC instance is single-writer: Limbo, AsyncFlush and Flush must be
// called from one goroutine, or under external mutual exclusion. The
// instance does not allocate, type-inspect or copy the objects it holds;
// each entry is owned solely by the queue until it is handed to the
// destructor.
type GC[T any] struct {
	r          Reclaimer
	destructor func(*T)
	head       *gcEntry[T]
	tail       *gcEntry[T]
}

type gcEntry[T any] struct {
	tag  uint64
	obj  *T
	next *gcEntry[T]
}

// NewGC creates a deferred-destruction queue over r, invoking destructor
// for each reclaimed object. Panics if r or destructor is nil.
func NewGC[T any](r Reclaimer, destructor func(*T)) *GC[T] {
	if r == nil {
		panic("smr: nil reclaimer")
	}
	if destructor == nil {
		panic("smr: nil destructor")
	}
	return &GC[T]{r: r, destructor: destructor}
}

// Limbo appends obj to the queue tagged with the current staging tag.
//
// The caller must already have made obj unreachable from protected
// storage. Ownership of obj passes to the queue until the destructor
// is invoked.
func (g *GC[T]) Limbo(obj *T) {
	e := &gcEntry[T]{tag: g.r.StagingTag(), obj: obj}
	if g.tail == nil {
		g.head, g.tail = e, e
		return
	}
	g.tail.next = e
	g.tail = e
}

// FullPending reports whether unreclaimed entries remain. Informational.
func (g *GC[T]) FullPending() bool {
	return g.head != nil
}

// AsyncFlush destroys the FIFO prefix of entries whose tags the backing
// scheme reports safe, stopping at the first entry that is not. Returns
// true when the queue is empty on exit.
//
// AsyncFlush does not advance the backing scheme; pair it with
// [Reclaimer.Advance], or use [GC.Flush].
func (g *GC[T]) AsyncFlush() bool {
	var safeTag uint64
	haveSafe := false
	for g.head != nil {
		e := g.head
		// Tags arrive in epoch order, so one IsSafe check covers every
		// consecutive entry carrying the same tag.
		if !haveSafe || e.tag != safeTag {
			if !g.r.IsSafe(e.tag) {
				return false
			}
			safeTag, haveSafe = e.tag, true
		}
		g.head = e.next
		if g.head == nil {
			g.tail = nil
		}
		e.next = nil
		g.destructor(e.obj)
	}
	return true
}

// Flush drives the backing scheme and blocks until the queue is empty.
//
// Each round attempts one advance and drains whatever became safe.
// Between rounds the caller sleeps for the supplied interval; a
// non-positive interval selects adaptive backoff instead. Like Wait on
// the QSBR side, Flush terminates only with reader cooperation.
func (g *GC[T]) Flush(sleep time.Duration) {
	g.r.Advance()
	if sleep > 0 {
		for !g.AsyncFlush() {
			time.Sleep(sleep)
			g.r.Advance()
		}
		return
	}
	backoff := iox.Backoff{}
	for !g.AsyncFlush() {
		backoff.Wait()
		g.r.Advance()
	}
}
