// Package heap implements the interned, reference-counted heap (C1)
// that backs every Value flowing through the dataflow graph. It
// canonicalizes structurally equal values to the same Handle and keeps
// an explicit reference count so that released objects can be detected
// deterministically, matching Invariant 5 of the engine design.
//
// The heap is owned by the single scheduler goroutine (C7) and is never
// accessed concurrently; there is deliberately no internal locking.
package heap

import (
	"fmt"

	"github.com/r3e-network/dataflow-engine/internal/value"
)

// Handle is a stable identifier for an interned Value, valid for the
// lifetime of the object (until its reference count drops to zero).
type Handle uint64

// inlineThreshold matches the "one machine word" string-dedup cutoff
// from the interning contract: shorter strings are stored without
// content-address canonicalization.
const inlineThreshold = 8

type entry struct {
	val      value.Value
	refcount int
	children []Handle
	canon    bool // participates in content-address canonicalization
}

// Heap is the interning table. The zero value is not usable; use New.
type Heap struct {
	entries map[Handle]*entry
	index   map[string]Handle // fingerprint -> handle, canonical entries only
	next    Handle
}

// New creates an empty heap.
func New() *Heap {
	return &Heap{
		entries: make(map[Handle]*entry),
		index:   make(map[string]Handle),
		next:    1,
	}
}

// Intern canonicalizes v, interning its children first, and returns a
// stable Handle. Interning a structurally-equal value twice returns the
// same Handle and bumps its reference count (as if IncRef had been
// called), matching the "structural sharing" contract.
func (h *Heap) Intern(v value.Value) Handle {
	canon := isCanonical(v)

	if canon {
		fp := value.Fingerprint(v)
		if existing, ok := h.index[fp]; ok {
			h.entries[existing].refcount++
			return existing
		}
		children := h.internChildren(v)
		handle := h.allocate(v, children, true)
		h.index[fp] = handle
		return handle
	}

	children := h.internChildren(v)
	return h.allocate(v, children, false)
}

func (h *Heap) internChildren(v value.Value) []Handle {
	switch v.Kind() {
	case value.Sequence:
		seq := v.AsSequence()
		if len(seq) == 0 {
			return nil
		}
		out := make([]Handle, len(seq))
		for i, e := range seq {
			out[i] = h.Intern(e)
		}
		return out
	case value.Mapping:
		keys := v.Keys()
		if len(keys) == 0 {
			return nil
		}
		out := make([]Handle, len(keys))
		for i, k := range keys {
			f, _ := v.Field(k)
			out[i] = h.Intern(f)
		}
		return out
	default:
		return nil
	}
}

func (h *Heap) allocate(v value.Value, children []Handle, canon bool) Handle {
	handle := h.next
	h.next++
	h.entries[handle] = &entry{val: v, refcount: 1, children: children, canon: canon}
	return handle
}

// IncRef increments the reference count for handle and returns the new
// count. Incrementing an unknown handle is a no-op returning 0.
func (h *Heap) IncRef(handle Handle) int {
	e, ok := h.entries[handle]
	if !ok {
		return 0
	}
	e.refcount++
	return e.refcount
}

// DecRef decrements the reference count for handle, recursively
// releasing child references once the count reaches zero, and returns
// the new count (0 if the object was just released or was unknown).
func (h *Heap) DecRef(handle Handle) int {
	e, ok := h.entries[handle]
	if !ok {
		return 0
	}
	e.refcount--
	if e.refcount > 0 {
		return e.refcount
	}

	for _, c := range e.children {
		h.DecRef(c)
	}
	delete(h.entries, handle)
	if e.canon {
		fp := value.Fingerprint(e.val)
		if h.index[fp] == handle {
			delete(h.index, fp)
		}
	}
	return 0
}

// Get resolves a Handle to its Value. ok is false for an unknown
// (already-released) handle.
func (h *Heap) Get(handle Handle) (value.Value, bool) {
	e, ok := h.entries[handle]
	if !ok {
		return value.NullValue, false
	}
	return e.val, true
}

// RefCount reports the current reference count for a handle, 0 if unknown.
func (h *Heap) RefCount(handle Handle) int {
	e, ok := h.entries[handle]
	if !ok {
		return 0
	}
	return e.refcount
}

// Len returns the number of live (non-released) objects, for use by
// tests verifying Invariant 5 (empty heap once all instances close and
// inputs drain).
func (h *Heap) Len() int { return len(h.entries) }

// MustGet resolves a handle or panics; callers use this only where an
// unknown handle indicates an internal bug (ref-count mismatch), which
// is an InternalError per the error taxonomy.
func (h *Heap) MustGet(handle Handle) value.Value {
	v, ok := h.Get(handle)
	if !ok {
		panic(fmt.Sprintf("heap: unknown handle %d (ref-count invariant violated)", handle))
	}
	return v
}

func isCanonical(v value.Value) bool {
	if v.Kind() == value.String && len(v.AsString()) < inlineThreshold {
		return false
	}
	return true
}
