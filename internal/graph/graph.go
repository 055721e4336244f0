package graph

import (
	"fmt"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// Graph owns every node's structure and trace state, and the
// Collection Store that holds their materialized contents.
type Graph struct {
	store *collection.Store
	nodes map[NodeID]*node

	// lazyCacheLimit bounds memoized entries per Lazy node; 0 means
	// unbounded. See SetLazyCacheLimit (lazycache.go).
	lazyCacheLimit int
}

// New creates an empty graph over store.
func New(store *collection.Store) *Graph {
	return &Graph{store: store, nodes: make(map[NodeID]*node)}
}

// Store returns the underlying collection store.
func (g *Graph) Store() *collection.Store { return g.store }

// AddNode registers a node. Eager nodes (every Kind but Lazy) may not
// form a cycle through their declared Inputs; Lazy nodes may reference
// themselves only through the self callback passed to their LazyFunc,
// never through Inputs.
func (g *Graph) AddNode(spec Spec) error {
	if _, exists := g.nodes[spec.ID]; exists {
		return fmt.Errorf("graph: node %q already exists", spec.ID)
	}
	if spec.Kind == KindLazy && len(spec.Inputs) > 0 {
		return fmt.Errorf("graph: lazy node %q must not declare Inputs", spec.ID)
	}
	for _, in := range spec.Inputs {
		if _, ok := g.nodes[in]; !ok {
			return fmt.Errorf("graph: node %q depends on unknown node %q", spec.ID, in)
		}
	}

	n := newNode(spec)
	g.nodes[spec.ID] = n
	for _, in := range spec.Inputs {
		g.nodes[in].downstream = append(g.nodes[in].downstream, spec.ID)
	}

	if g.hasEagerCycle() {
		g.Remove(spec.ID)
		return fmt.Errorf("graph: adding node %q would create a cycle", spec.ID)
	}
	return nil
}

func (g *Graph) hasEagerCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(g.nodes))
	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		color[id] = gray
		for _, dep := range g.nodes[id].inputs {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range g.nodes {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Remove deletes a node and its materialized collection. Callers are
// responsible for ensuring no other node still declares it as an
// input before calling this (the resource-instance GC walk in package
// resource enforces that).
func (g *Graph) Remove(id NodeID) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, in := range n.inputs {
		if dn, ok := g.nodes[in]; ok {
			dn.downstream = removeID(dn.downstream, id)
		}
	}
	delete(g.nodes, id)
	g.store.Drop(collection.ID(id))
}

func removeID(ids []NodeID, target NodeID) []NodeID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// ErrorAt reports the current per-key error an eager operator recorded
// for (nodeID, key), if any. A node with no recorded error, or an
// unknown node, reports nil.
func (g *Graph) ErrorAt(nodeID NodeID, key value.Value) error {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	return n.errAt(key)
}

// ErroredKeys returns every output key of nodeID currently in an error
// state, used by whole-collection operators (Reduce) to detect that an
// input they scan in full is hiding a failure behind an absent key.
func (g *Graph) ErroredKeys(nodeID NodeID) []value.Value {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]value.Value, 0, len(n.errs))
	for fp := range n.errs {
		out = append(out, n.outputKeyValue[fp])
	}
	return out
}

// Kind reports a node's operator kind.
func (g *Graph) Kind(id NodeID) (Kind, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return 0, false
	}
	return n.kind, true
}

// Has reports whether id names a node in the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Inputs returns a node's declared input nodes.
func (g *Graph) Inputs(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.inputs
}

// Downstream returns the nodes that declared id as an input.
func (g *Graph) Downstream(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.downstream
}

// TopoOrder returns every node in an order where each node appears
// after all the nodes its declared Inputs depend on (Lazy and
// External/Input nodes, having no declared Inputs, sort first). The
// propagator does not use it; it drives propagation from a FIFO
// worklist of dirtied keys.
func (g *Graph) TopoOrder() []NodeID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(g.nodes))
	var order []NodeID
	var visit func(id NodeID)
	visit = func(id NodeID) {
		color[id] = gray
		for _, dep := range g.nodes[id].inputs {
			if color[dep] == white {
				visit(dep)
			}
		}
		color[id] = black
		order = append(order, id)
	}
	for id := range g.nodes {
		if color[id] == white {
			visit(id)
		}
	}
	return order
}

// IsKeyed reports whether a node kind is recomputed key-by-key
// (Map, MapReduce, Merge, Slice).
func IsKeyed(k Kind) bool {
	switch k {
	case KindMap, KindMapReduce, KindMerge, KindSlice:
		return true
	default:
		return false
	}
}

// IsWhole reports whether a node kind is recomputed as a whole
// collection on any input change (Take, Reduce).
func IsWhole(k Kind) bool {
	switch k {
	case KindTake, KindReduce:
		return true
	default:
		return false
	}
}

// GlobalConsumers returns every node whose trace currently references
// source at all, regardless of whether source is one of its declared
// Inputs. This catches dynamic dependencies recorded through Ctx (a
// Map/MapReduce/Lazy node reading a Lazy collection it didn't declare
// as a formal input).
func (g *Graph) GlobalConsumers(source NodeID) []NodeID {
	var out []NodeID
	for id, n := range g.nodes {
		if bySrc, ok := n.invIndex[source]; ok && len(bySrc) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Consumers returns the union of source's declared downstream nodes
// and its dynamic (trace-recorded) consumers, used by the propagator
// to find every node that might need to react to a change at source.
func (g *Graph) Consumers(source NodeID) []NodeID {
	seen := make(map[NodeID]bool)
	var out []NodeID
	add := func(id NodeID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range g.Downstream(source) {
		add(id)
	}
	for _, id := range g.GlobalConsumers(source) {
		add(id)
	}
	return out
}
