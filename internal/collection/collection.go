// Package collection implements the Collection Store (C2): a mapping
// from (collection id, key) to an ordered multiset of values, backed by
// an in-memory B-tree per collection for O(log N) point lookup and
// range iteration.
package collection

import (
	"fmt"

	"github.com/google/btree"

	"github.com/r3e-network/dataflow-engine/internal/value"
)

// ID names a collection within the store.
type ID string

// KV is a key and its current multiset of values.
type KV struct {
	Key    value.Value
	Values []value.Value
}

type item struct {
	key    value.Value
	values []value.Value
}

func less(a, b item) bool { return value.Less(a.key, b.key) }

// Store holds every collection's B-tree.
type Store struct {
	trees map[ID]*btree.BTreeG[item]
}

// New creates an empty collection store.
func New() *Store {
	return &Store{trees: make(map[ID]*btree.BTreeG[item])}
}

func (s *Store) tree(id ID) *btree.BTreeG[item] {
	t, ok := s.trees[id]
	if !ok {
		t = btree.NewG(32, less)
		s.trees[id] = t
	}
	return t
}

// GetAll returns every (key, values) pair in key order.
func (s *Store) GetAll(id ID) []KV {
	t, ok := s.trees[id]
	if !ok {
		return nil
	}
	out := make([]KV, 0, t.Len())
	t.Ascend(func(it item) bool {
		out = append(out, KV{Key: it.key, Values: it.values})
		return true
	})
	return out
}

// GetRange returns every (key, values) pair with lo <= key <= hi.
func (s *Store) GetRange(id ID, lo, hi value.Value) []KV {
	t, ok := s.trees[id]
	if !ok {
		return nil
	}
	var out []KV
	t.AscendRange(item{key: lo}, item{key: hi}, func(it item) bool {
		out = append(out, KV{Key: it.key, Values: it.values})
		return true
	})
	// AscendRange's upper bound is exclusive; pick up hi explicitly.
	if last, ok := t.Get(item{key: hi}); ok {
		out = append(out, KV{Key: last.key, Values: last.values})
	}
	return out
}

// GetKey returns the multiset at k, and whether the key is present at
// all (a present key with an empty multiset is distinct from absent).
func (s *Store) GetKey(id ID, k value.Value) ([]value.Value, bool) {
	t, ok := s.trees[id]
	if !ok {
		return nil, false
	}
	it, ok := t.Get(item{key: k})
	if !ok {
		return nil, false
	}
	return it.values, true
}

// GetUnique requires exactly one value at k and fails otherwise,
// matching the Collection contract's getUnique.
func (s *Store) GetUnique(id ID, k value.Value) (value.Value, error) {
	vs, ok := s.GetKey(id, k)
	if !ok || len(vs) == 0 {
		return value.NullValue, fmt.Errorf("collection: key %s has no value", value.Fingerprint(k))
	}
	if len(vs) > 1 {
		return value.NullValue, fmt.Errorf("collection: key %s has %d values, want exactly one", value.Fingerprint(k), len(vs))
	}
	return vs[0], nil
}

// Size returns the number of distinct keys in a collection.
func (s *Store) Size(id ID) int {
	t, ok := s.trees[id]
	if !ok {
		return 0
	}
	return t.Len()
}

// Applied describes one key's before/after state from an Apply call,
// used by the propagator to drive ref-count hygiene on the heap.
type Applied struct {
	Key    value.Value
	Old    []value.Value
	New    []value.Value
	Exists bool // whether the key existed (with any multiset) before this apply
}

// Apply merges a diff into the collection: each KV with an empty
// Values slice deletes the key; otherwise the key's multiset is
// replaced wholesale. Returns the before/after state for every key
// touched, in the order supplied.
func (s *Store) Apply(id ID, diff []KV) []Applied {
	t := s.tree(id)
	out := make([]Applied, 0, len(diff))
	for _, kv := range diff {
		prev, existed := t.Get(item{key: kv.Key})
		applied := Applied{Key: kv.Key, Exists: existed}
		if existed {
			applied.Old = prev.values
		}
		if len(kv.Values) == 0 {
			if existed {
				t.Delete(item{key: kv.Key})
			}
			applied.New = nil
		} else {
			t.ReplaceOrInsert(item{key: kv.Key, values: kv.Values})
			applied.New = kv.Values
		}
		out = append(out, applied)
	}
	return out
}

// Keys returns every key currently present, in sort order.
func (s *Store) Keys(id ID) []value.Value {
	t, ok := s.trees[id]
	if !ok {
		return nil
	}
	out := make([]value.Value, 0, t.Len())
	t.Ascend(func(it item) bool {
		out = append(out, it.key)
		return true
	})
	return out
}

// Drop removes an entire collection (used when closing the last
// resource instance referencing a node).
func (s *Store) Drop(id ID) {
	delete(s.trees, id)
}
