// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smr

// Reclaimer is the contract [GC] requires of a backing reclamation scheme.
//
// A Reclaimer hands out opaque tags for newly retired objects, answers
// whether a tag's grace period has elapsed, and drives the scheme forward.
// [EBR.Reclaimer] and [QSBRHandle.Reclaimer] return implementations backed
// by the respective scheme.
//
// Tags are ordered only by the backing scheme; callers record the tag at
// retire time and compare nothing themselves.
type Reclaimer interface {
	// StagingTag returns the tag newly retired objects should carry:
	// the current staging epoch (EBR) or the value the next barrier
	// will return (QSBR).
	StagingTag() uint64

	// IsSafe reports whether the grace period for objects tagged with
	// tag has elapsed. A false result is a control flow signal, not a
	// failure; the caller polls again after the scheme advances.
	IsSafe(tag uint64) bool

	// Advance drives the scheme one step: a barrier (QSBR) or an epoch
	// advance attempt (EBR). Returns the global epoch after the step.
	Advance() uint64
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
