package graph

import (
	"fmt"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// ReduceKey is the single output key every Reduce node writes its
// accumulator to.
func ReduceKey() value.Value { return value.NewInt(0) }

// RecomputeWhole recomputes a whole-collection node (Take, Reduce)
// from scratch. Unlike the keyed operators, a single input change can
// shift Take's entire window or require replaying Reduce's full input,
// so these are not driven key-by-key.
func (g *Graph) RecomputeWhole(nodeID NodeID) ([]collection.Applied, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("graph: unknown node %q", nodeID)
	}
	switch n.kind {
	case KindTake:
		return g.recomputeTake(n)
	case KindReduce:
		applied, err := g.recomputeReduceFull(n)
		if err != nil {
			return nil, err
		}
		return []collection.Applied{applied}, nil
	default:
		return nil, fmt.Errorf("graph: node %q is not a whole-collection operator", nodeID)
	}
}

func (g *Graph) recomputeTake(n *node) ([]collection.Applied, error) {
	inputID := n.inputs[0]
	all := g.store.GetAll(collection.ID(inputID))

	limit := n.takeN
	if limit > len(all) {
		limit = len(all)
	}
	keep := make(map[string]bool, limit)
	for i := 0; i < limit; i++ {
		keep[value.Fingerprint(all[i].Key)] = true
	}

	var diff []collection.KV
	for _, kv := range g.store.GetAll(collection.ID(n.id)) {
		if !keep[value.Fingerprint(kv.Key)] {
			diff = append(diff, collection.KV{Key: kv.Key})
		}
	}
	for i := 0; i < limit; i++ {
		diff = append(diff, collection.KV{Key: all[i].Key, Values: all[i].Values})
	}
	return g.store.Apply(collection.ID(n.id), diff), nil
}

func (g *Graph) recomputeReduceFull(n *node) (collection.Applied, error) {
	inputID := n.inputs[0]
	acc := n.reducer.Default()
	any := false
	var consulted []traceRef
	var firstErr error
	for _, k := range g.ErroredKeys(inputID) {
		if firstErr == nil {
			firstErr = g.ErrorAt(inputID, k)
		}
	}
	for _, kv := range g.store.GetAll(collection.ID(inputID)) {
		for _, v := range kv.Values {
			acc = n.reducer.Add(acc, v)
			any = true
			consulted = append(consulted, traceRef{Source: inputID, Key: kv.Key, Emitted: v})
		}
	}

	sentinel := ReduceKey()
	n.setTrace(sentinel, consulted)
	fp := value.Fingerprint(sentinel)
	if firstErr != nil {
		n.setErr(sentinel, firstErr)
		delete(n.accum, fp)
		applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: sentinel, Values: nil}})
		return applied[0], nil
	}
	n.setErr(sentinel, nil)
	var vals []value.Value
	if any {
		vals = []value.Value{acc}
		n.accum[fp] = acc
	} else {
		delete(n.accum, fp)
	}
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: sentinel, Values: vals}})
	return applied[0], nil
}

// FastPathReduce incrementally folds a single input key's change into
// a Reduce node's accumulator, falling back to RecomputeWhole when the
// reducer signals it cannot remove a value incrementally.
func (g *Graph) FastPathReduce(nodeID, source NodeID, key value.Value, newVs []value.Value) (collection.Applied, error) {
	n, ok := g.nodes[nodeID]
	if !ok || n.kind != KindReduce {
		return collection.Applied{}, fmt.Errorf("graph: %q is not a Reduce node", nodeID)
	}

	if g.ErrorAt(source, key) != nil || n.errAt(ReduceKey()) != nil {
		return g.recomputeReduceFull(n)
	}

	sentinel := ReduceKey()
	removed := n.dropSourceContribution(sentinel, source, key)
	fp := value.Fingerprint(sentinel)
	acc, has := n.accum[fp]
	if !has {
		acc = n.reducer.Default()
	}

	ok2 := true
	for _, v := range removed {
		res, success := n.reducer.Remove(acc, v)
		if !success {
			ok2 = false
			break
		}
		acc = res
	}
	if !ok2 {
		return g.recomputeReduceFull(n)
	}

	var added []traceRef
	for _, v := range newVs {
		acc = n.reducer.Add(acc, v)
		added = append(added, traceRef{Source: source, Key: key, Emitted: v})
	}
	if len(added) > 0 {
		n.appendTrace(sentinel, added)
	}

	var vals []value.Value
	if len(n.trace[fp]) > 0 {
		vals = []value.Value{acc}
		n.accum[fp] = acc
	} else {
		delete(n.accum, fp)
	}
	applied := g.store.Apply(collection.ID(n.id), []collection.KV{{Key: sentinel, Values: vals}})
	return applied[0], nil
}
