package gl

import (
	"sync/atomic"
)

// ManagedPBO is a refcounted handle to a pooled PBO. Copying a ManagedPBO
// does not increment the refcount — call Retain for that — mirroring the
// arena+index pattern from spec.md §9: the pool owns the slot table, and a
// handle is just (pool, slotIndex, generation).
type ManagedPBO struct {
	pool  *pboPool
	slot  int
	gener uint64
}

// Valid reports whether this handle still refers to a live pool slot (the
// pool has not recycled the slot to a newer generation since dispense).
func (h ManagedPBO) Valid() bool {
	if h.pool == nil {
		return false
	}
	e := h.pool.entryAt(h.slot)
	return e != nil && e.generation == h.gener
}

// PBO returns the underlying PBO, or nil if the handle is stale.
func (h ManagedPBO) PBO() *PBO {
	if !h.Valid() {
		return nil
	}
	return h.pool.entryAt(h.slot).pbo
}

// MarkPending flags the PBO as having a GPU operation issued against it but
// not yet drained. Must be cleared by SetDrained before the last reference
// is released.
func (h ManagedPBO) MarkPending() {
	if h.pool == nil {
		return
	}
	if e := h.pool.entryAt(h.slot); e != nil && e.generation == h.gener {
		e.pending.Store(true)
	}
}

// SetDrained clears the pending flag once the thread that issued the
// operation has observed its completion (after a successful client wait).
func (h ManagedPBO) SetDrained() {
	if h.pool == nil {
		return
	}
	if e := h.pool.entryAt(h.slot); e != nil && e.generation == h.gener {
		e.pending.Store(false)
	}
}

// Retain increments the handle's refcount, returning the same handle for
// chaining.
func (h ManagedPBO) Retain() ManagedPBO {
	if h.pool == nil {
		return h
	}
	if e := h.pool.entryAt(h.slot); e != nil && e.generation == h.gener {
		e.refcount.Add(1)
	}
	return h
}

// Release drops one reference. On the last reference it requires
// pending == false (panicking in debug builds otherwise, per spec.md §4.4's
// "protocol violation" rule) and returns the slot to the pool as non-busy.
func (h ManagedPBO) Release() {
	if h.pool == nil {
		return
	}
	e := h.pool.entryAt(h.slot)
	if e == nil || e.generation != h.gener {
		return
	}
	if e.refcount.Add(-1) == 0 {
		if e.pending.Load() {
			if DebugBuild {
				panic("gl: " + ErrPBOProtocolViolation.Error())
			}
		}
		h.pool.releaseEntry(h.slot, h.gener)
	}
}

type pboEntry struct {
	pbo        *PBO
	busy       bool
	pending    atomic.Bool
	refcount   atomic.Int32
	generation uint64
}
