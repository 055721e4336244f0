// Package propagate implements the Propagator (C4): it turns a deposit
// at an Input or External node into a minimal, ordered set of
// downstream recomputations, keeping the Interned Heap's reference
// counts in lockstep with what the Collection Store actually holds.
package propagate

import (
	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/heap"
	"github.com/r3e-network/dataflow-engine/internal/value"
	"github.com/r3e-network/dataflow-engine/pkg/metrics"
)

// Change records one node's transition at one key, for distribution to
// whichever Resource Instances are bound to that node. Err is set
// instead of New when the node's operator failed at this key; the
// engine keeps running and the failure is reported here rather than by
// aborting the batch (see internal/graph.EmitErr).
type Change struct {
	Node graph.NodeID
	Key  value.Value
	Old  []value.Value
	New  []value.Value
	Err  error
}

// Propagator drives the forward dirty-set walk over a Graph and keeps
// a Heap's reference counts synchronized with every collection write
// it makes.
type Propagator struct {
	g        *graph.Graph
	h        *heap.Heap
	ledger   map[graph.NodeID]map[string][]heap.Handle
	watchers []func(Change)
}

// New creates a Propagator over g, interning and ref-counting every
// value it writes into h.
func New(g *graph.Graph, h *heap.Heap) *Propagator {
	return &Propagator{
		g:      g,
		h:      h,
		ledger: make(map[graph.NodeID]map[string][]heap.Handle),
	}
}

// Watch registers fn to be called, synchronously and in recompute
// order, for every Change the propagator records anywhere in the
// graph — whether the triggering Apply came from a client write or an
// adapter callback. Resource Instances (C6) use this to fan each
// output-node change into their own diff queue.
func (p *Propagator) Watch(fn func(Change)) {
	p.watchers = append(p.watchers, fn)
}

type event struct {
	source graph.NodeID
	key    value.Value
	newVs  []value.Value
}

// Apply deposits diff at source (an Input or External node) and walks
// every affected downstream node to quiescence, returning every change
// observed anywhere in the graph.
func (p *Propagator) Apply(source graph.NodeID, diff []collection.KV) ([]Change, error) {
	applied := p.g.Store().Apply(collection.ID(source), diff)

	var changes []Change
	var queue []event
	for _, a := range applied {
		changes = append(changes, p.recordAndRef(source, a))
		queue = append(queue, event{source: source, key: a.Key, newVs: a.New})
	}

	wholeDirty := make(map[graph.NodeID]bool)
	for {
		for len(queue) > 0 {
			ev := queue[0]
			queue = queue[1:]
			produced, err := p.dispatch(ev, wholeDirty)
			if err != nil {
				return changes, err
			}
			for _, r := range produced {
				changes = append(changes, r.change)
				queue = append(queue, r.event)
			}
		}
		if len(wholeDirty) == 0 {
			break
		}
		for node := range wholeDirty {
			delete(wholeDirty, node)
			results, err := p.g.RecomputeWhole(node)
			if err != nil {
				return changes, err
			}
			if kind, ok := p.g.Kind(node); ok {
				metrics.NodesRecomputed.WithLabelValues(kind.String()).Inc()
			}
			for _, r := range results {
				changes = append(changes, p.recordAndRef(node, r))
				queue = append(queue, event{source: node, key: r.Key, newVs: r.New})
			}
		}
	}
	return changes, nil
}

type produced struct {
	change Change
	event  event
}

// dispatch handles one dirtied (source, key) event against every node
// that consumes source, returning the downstream events it produced.
// Take and Reduce are deferred into wholeDirty rather than recomputed
// immediately, since a single whole-collection recompute serves every
// dirty event that lands on them within one batch.
func (p *Propagator) dispatch(ev event, wholeDirty map[graph.NodeID]bool) ([]produced, error) {
	sourceKind, _ := p.g.Kind(ev.source)
	var out []produced

	for _, c := range p.g.Consumers(ev.source) {
		kind, _ := p.g.Kind(c)
		switch kind {
		case graph.KindMap, graph.KindMerge, graph.KindSlice:
			results, err := p.g.RecomputeAffected(c, ev.source, ev.key)
			if err != nil {
				return out, err
			}
			if len(results) > 0 {
				metrics.NodesRecomputed.WithLabelValues(kind.String()).Add(float64(len(results)))
			}
			for _, r := range results {
				out = append(out, produced{change: p.recordAndRef(c, r), event: event{source: c, key: r.Key, newVs: r.New}})
			}

		case graph.KindMapReduce:
			var results []collection.Applied
			var err error
			if sourceKind == graph.KindLazy {
				results, err = p.g.RecomputeAffected(c, ev.source, ev.key)
			} else {
				results, err = p.g.FastPathMapReduce(c, ev.source, ev.key, ev.newVs)
			}
			if err != nil {
				return out, err
			}
			if len(results) > 0 {
				metrics.NodesRecomputed.WithLabelValues(kind.String()).Add(float64(len(results)))
			}
			for _, r := range results {
				out = append(out, produced{change: p.recordAndRef(c, r), event: event{source: c, key: r.Key, newVs: r.New}})
			}

		case graph.KindTake, graph.KindReduce:
			wholeDirty[c] = true

		case graph.KindLazy:
			for _, k2 := range p.g.EvictLazy(c, ev.source, ev.key) {
				// The new value is unknown until something pulls it
				// again; downstream keyed consumers of a Lazy source
				// always take the RecomputeAffected path (see above),
				// never the reducer fast path.
				out = append(out, produced{
					change: Change{Node: c, Key: k2},
					event:  event{source: c, key: k2},
				})
			}
		}
	}
	return out, nil
}

// recordAndRef folds one Applied record into the ref-count ledger:
// decrefs whatever handles previously backed this (node, key), interns
// the new values, and returns the public Change record.
func (p *Propagator) recordAndRef(node graph.NodeID, a collection.Applied) Change {
	fp := value.Fingerprint(a.Key)
	byKey, ok := p.ledger[node]
	if !ok {
		byKey = make(map[string][]heap.Handle)
		p.ledger[node] = byKey
	}
	for _, hd := range byKey[fp] {
		p.h.DecRef(hd)
	}
	var newHandles []heap.Handle
	for _, v := range a.New {
		newHandles = append(newHandles, p.h.Intern(v))
	}
	if len(newHandles) == 0 {
		delete(byKey, fp)
	} else {
		byKey[fp] = newHandles
	}
	change := Change{Node: node, Key: a.Key, Old: a.Old, New: a.New, Err: p.g.ErrorAt(node, a.Key)}
	if kind, ok := p.g.Kind(node); ok {
		metrics.ChangesEmitted.WithLabelValues(kind.String()).Inc()
	}
	for _, w := range p.watchers {
		w(change)
	}
	return change
}

// Heap exposes the propagator's backing heap, for callers (the
// engine's Close path) that need to verify it drains to empty.
func (p *Propagator) Heap() *heap.Heap { return p.h }

// Graph exposes the propagator's backing graph.
func (p *Propagator) Graph() *graph.Graph { return p.g }
