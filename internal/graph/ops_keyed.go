package graph

import (
	"fmt"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// AffectedKeys returns the output keys of nodeID that may have changed
// because (source, key) changed, for the keyed operator kinds (Map,
// MapReduce, Merge, Slice). Take, Reduce and Lazy are driven through
// their own dedicated paths instead. For Map and MapReduce, a source
// read only through Ctx yields the output keys whose traces recorded
// (source, key).
func (g *Graph) AffectedKeys(nodeID, source NodeID, key value.Value) []value.Value {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	switch n.kind {
	case KindMap, KindMapReduce:
		seen := make(map[string]value.Value)
		for _, k := range n.affectedOutputKeys(source, key) {
			seen[value.Fingerprint(k)] = k
		}
		if len(n.inputs) > 0 && n.inputs[0] == source {
			vs, _ := g.store.GetKey(collection.ID(source), key)
			if len(vs) > 0 {
				var local []traceRef
				ctx := &opCtx{g: g, consulted: &local}
				for _, e := range n.invoke(ctx, key, vs) {
					seen[value.Fingerprint(e.Key)] = e.Key
				}
			}
		}
		out := make([]value.Value, 0, len(seen))
		for _, v := range seen {
			out = append(out, v)
		}
		return out
	case KindMerge:
		for _, in := range n.inputs {
			if in == source {
				return []value.Value{key}
			}
		}
		return nil
	case KindSlice:
		if len(n.inputs) == 0 || n.inputs[0] != source {
			return nil
		}
		if !inRange(n.ranges, key) {
			return nil
		}
		return []value.Value{key}
	default:
		return nil
	}
}

// RecomputeKey fully recomputes a keyed node's output at key from its
// current inputs and applies the result to the store.
func (g *Graph) RecomputeKey(nodeID NodeID, key value.Value) (collection.Applied, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return collection.Applied{}, fmt.Errorf("graph: unknown node %q", nodeID)
	}
	switch n.kind {
	case KindMap:
		return g.recomputeMap(n, key)
	case KindMapReduce:
		return g.recomputeMapReduceFull(n, key)
	case KindMerge:
		return g.recomputeMerge(n, key)
	case KindSlice:
		return g.recomputeSlice(n, key)
	default:
		return collection.Applied{}, fmt.Errorf("graph: node %q is not a keyed operator", nodeID)
	}
}

// RecomputeAffected recomputes every output key of nodeID that a
// change at (source, key) may have affected, via a full rescan per
// key. Used for Map, Merge and Slice always, and as the MapReduce
// fallback when the dirtying source is a Lazy node (whose new value
// isn't known without forcing a pull, so the reducer fast path can't
// apply).
func (g *Graph) RecomputeAffected(nodeID, source NodeID, key value.Value) ([]collection.Applied, error) {
	affected := g.AffectedKeys(nodeID, source, key)
	out := make([]collection.Applied, 0, len(affected))
	for _, k2 := range affected {
		applied, err := g.RecomputeKey(nodeID, k2)
		if err != nil {
			return out, err
		}
		out = append(out, applied)
	}
	return out, nil
}

func (g *Graph) recomputeMap(n *node, key value.Value) (collection.Applied, error) {
	inputID := n.inputs[0]
	var consulted []traceRef
	var vals []value.Value
	var firstErr error
	for _, kv := range g.store.GetAll(collection.ID(inputID)) {
		var local []traceRef
		ctx := &opCtx{g: g, consulted: &local}
		matched := false
		for _, e := range n.invoke(ctx, kv.Key, kv.Values) {
			if !value.Equal(e.Key, key) {
				continue
			}
			matched = true
			if e.Value.IsErr() {
				if firstErr == nil {
					firstErr = e.Value.Error()
				}
				continue
			}
			vals = append(vals, e.Value.Value())
		}
		if matched {
			consulted = append(consulted, traceRef{Source: inputID, Key: kv.Key})
			consulted = append(consulted, local...)
		}
	}
	n.setTrace(key, consulted)
	if firstErr != nil {
		n.setErr(key, firstErr)
		applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: nil}})
		return applied[0], nil
	}
	n.setErr(key, nil)
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: vals}})
	return applied[0], nil
}

func (g *Graph) recomputeMapReduceFull(n *node, key value.Value) (collection.Applied, error) {
	inputID := n.inputs[0]
	var consulted []traceRef
	acc := n.reducer.Default()
	any := false
	var firstErr error
	for _, kv := range g.store.GetAll(collection.ID(inputID)) {
		var local []traceRef
		ctx := &opCtx{g: g, consulted: &local}
		for _, e := range n.invoke(ctx, kv.Key, kv.Values) {
			if !value.Equal(e.Key, key) {
				continue
			}
			if e.Value.IsErr() {
				if firstErr == nil {
					firstErr = e.Value.Error()
				}
				continue
			}
			acc = n.reducer.Add(acc, e.Value.Value())
			any = true
			consulted = append(consulted, traceRef{Source: inputID, Key: kv.Key, Emitted: e.Value.Value()})
			consulted = append(consulted, local...)
		}
	}
	n.setTrace(key, consulted)
	fp := value.Fingerprint(key)
	if firstErr != nil {
		n.setErr(key, firstErr)
		delete(n.accum, fp)
		applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: nil}})
		return applied[0], nil
	}
	n.setErr(key, nil)
	var vals []value.Value
	if any {
		vals = []value.Value{acc}
		n.accum[fp] = acc
	} else {
		delete(n.accum, fp)
	}
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: vals}})
	return applied[0], nil
}

// FastPathMapReduce incrementally updates every output key affected by
// a single input key's change, using the reducer's Add/Remove instead
// of a full rescan. A Remove call that signals it can't operate
// incrementally (ok=false) falls back to RecomputeKey for that one
// output key. A change at a source the node reads only through Ctx is
// handled by RecomputeAffected instead.
func (g *Graph) FastPathMapReduce(nodeID, source NodeID, key value.Value, newVs []value.Value) ([]collection.Applied, error) {
	n, ok := g.nodes[nodeID]
	if !ok || n.kind != KindMapReduce {
		return nil, fmt.Errorf("graph: %q is not a MapReduce node", nodeID)
	}
	if len(n.inputs) == 0 || n.inputs[0] != source {
		return g.RecomputeAffected(nodeID, source, key)
	}

	affected := g.AffectedKeys(nodeID, source, key)
	var out []collection.Applied

	var newEmissions []Emission
	var extraConsulted []traceRef
	var newErr error
	if len(newVs) > 0 {
		ctx := &opCtx{g: g, consulted: &extraConsulted}
		for _, e := range n.invoke(ctx, key, newVs) {
			if e.Value.IsErr() {
				if newErr == nil {
					newErr = e.Value.Error()
				}
				continue
			}
			newEmissions = append(newEmissions, e)
		}
	}

	for _, k2 := range affected {
		// A key already in error, or a new contribution that itself
		// failed, can't be folded incrementally: rescan it in full so
		// the mapper's current emissions (Ok and Err alike) decide its
		// state from scratch.
		if newErr != nil || n.errAt(k2) != nil {
			applied, err := g.recomputeMapReduceFull(n, k2)
			if err != nil {
				return out, err
			}
			out = append(out, applied)
			continue
		}

		removed := n.dropSourceContribution(k2, source, key)
		fp := value.Fingerprint(k2)
		acc, hasAcc := n.accum[fp]
		if !hasAcc {
			acc = n.reducer.Default()
		}

		ok := true
		for _, v := range removed {
			res, success := n.reducer.Remove(acc, v)
			if !success {
				ok = false
				break
			}
			acc = res
		}
		if !ok {
			applied, err := g.recomputeMapReduceFull(n, k2)
			if err != nil {
				return out, err
			}
			out = append(out, applied)
			continue
		}

		var added []traceRef
		for _, e := range newEmissions {
			if value.Equal(e.Key, k2) {
				acc = n.reducer.Add(acc, e.Value.Value())
				added = append(added, traceRef{Source: source, Key: key, Emitted: e.Value.Value()})
			}
		}
		if len(added) > 0 {
			n.appendTrace(k2, added)
			n.appendTrace(k2, extraConsulted)
		}

		var vals []value.Value
		if len(n.trace[fp]) > 0 {
			vals = []value.Value{acc}
			n.accum[fp] = acc
		} else {
			delete(n.accum, fp)
		}
		applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: k2, Values: vals}})
		out = append(out, applied[0])
	}
	return out, nil
}

func (g *Graph) recomputeMerge(n *node, key value.Value) (collection.Applied, error) {
	var vals []value.Value
	var firstErr error
	for _, in := range n.inputs {
		if err := g.ErrorAt(in, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		vs, _ := g.store.GetKey(collection.ID(in), key)
		vals = append(vals, vs...)
	}
	if firstErr != nil {
		n.setErr(key, firstErr)
		applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: nil}})
		return applied[0], nil
	}
	n.setErr(key, nil)
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: vals}})
	return applied[0], nil
}

func (g *Graph) recomputeSlice(n *node, key value.Value) (collection.Applied, error) {
	var vals []value.Value
	if inRange(n.ranges, key) {
		if err := g.ErrorAt(n.inputs[0], key); err != nil {
			n.setErr(key, err)
			applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: nil}})
			return applied[0], nil
		}
		vals, _ = g.store.GetKey(collection.ID(n.inputs[0]), key)
	}
	n.setErr(key, nil)
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: key, Values: vals}})
	return applied[0], nil
}
