package graph

import (
	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// lazyGet returns the memoized value at (nodeID, key), computing and
// caching it on a miss. A direct cycle (this exact key already being
// computed further up the call stack) yields a Cycle error instead of
// recursing forever.
func (g *Graph) lazyGet(nodeID NodeID, key value.Value) value.Result {
	n, ok := g.nodes[nodeID]
	if !ok {
		return value.Err(engerrors.Internal("unknown lazy node", nil).WithDetail("node", string(nodeID)))
	}
	fp := value.Fingerprint(key)

	if cached, ok := n.lazyCache[fp]; ok {
		return cached
	}
	if n.lazyCalling[fp] {
		return value.Err(engerrors.Cycle(string(nodeID), fp))
	}

	n.lazyCalling[fp] = true
	defer delete(n.lazyCalling, fp)

	var consulted []traceRef
	ctx := &opCtx{g: g, consulted: &consulted}
	self := func(k2 value.Value) value.Result {
		res := g.lazyGet(nodeID, k2)
		consulted = append(consulted, traceRef{Source: nodeID, Key: k2})
		return res
	}

	result := n.lazy(ctx, self, key)
	g.rememberLazy(n, fp, result)
	n.setTrace(key, consulted)
	return result
}

// GetLazy is the public entry point resource instances and adapters
// use to pull a Lazy node's value at key.
func (g *Graph) GetLazy(nodeID NodeID, key value.Value) value.Result {
	return g.lazyGet(nodeID, key)
}

// EvictLazy drops every cached entry of Lazy node nodeID whose
// computation consulted (source, key), returning the evicted keys so
// the propagator can treat them as dirtied for nodeID's own
// downstream consumers. The evicted entries are not recomputed here;
// Lazy nodes are pulled on demand, never eagerly re-propagated from.
func (g *Graph) EvictLazy(nodeID, source NodeID, key value.Value) []value.Value {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	affected := n.affectedOutputKeys(source, key)
	for _, k := range affected {
		fp := value.Fingerprint(k)
		n.forgetLazy(fp)
		n.clearTrace(k)
	}
	return affected
}
