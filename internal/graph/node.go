package graph

import (
	"fmt"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// traceRef is one consulted dependency recorded while computing an
// output key: node source's key, and for MapReduce/Reduce the emitted
// value that contributed to the accumulator (needed to undo it later).
type traceRef struct {
	Source  NodeID
	Key     value.Value
	Emitted value.Value
}

type node struct {
	id   NodeID
	kind Kind

	inputs     []NodeID
	downstream []NodeID

	mapper  MapFunc
	reducer *Reducer
	ranges  []KeyRange
	takeN   int
	lazy    LazyFunc

	// trace[outputKeyFP] lists every dependency consulted while this
	// node last computed its value at that key.
	trace map[string][]traceRef

	// invIndex[source][inputKeyFP] is the set of this node's own
	// output-key fingerprints whose trace includes (source, inputKey).
	// It is the inverse of trace, kept current incrementally so the
	// propagator can expand a dirtied (source, key) in O(1) amortized.
	invIndex map[NodeID]map[string]map[string]bool

	// outputKeyValue resolves an output-key fingerprint back to its
	// Value, since trace/invIndex are keyed by fingerprint.
	outputKeyValue map[string]value.Value

	// accum holds the current reducer accumulator per output key
	// (MapReduce) or the single global accumulator under the
	// fingerprint of ReduceKey() for Reduce.
	accum map[string]value.Value

	// lazyCache and lazyCalling back Lazy nodes: a cached Result per
	// key, and the set of keys currently being computed (for direct
	// cycle detection). lazyOrder tracks insertion order for bounded
	// eviction (see lazycache.go).
	lazyCache   map[string]value.Result
	lazyOrder   []string
	lazyCalling map[string]bool

	// errs[outputKeyFP] holds the current UserError (or wrapped panic)
	// an eager operator produced for that output key, if any. A key
	// with an entry here has no materialized value in the store; its
	// failure is instead reported through Change.Err/Diff.Err.
	errs map[string]error
}

func newNode(spec Spec) *node {
	return &node{
		id:             spec.ID,
		kind:           spec.Kind,
		inputs:         append([]NodeID(nil), spec.Inputs...),
		mapper:         spec.Mapper,
		reducer:        spec.Reducer,
		ranges:         append([]KeyRange(nil), spec.Ranges...),
		takeN:          spec.TakeN,
		lazy:           spec.Lazy,
		trace:          make(map[string][]traceRef),
		invIndex:       make(map[NodeID]map[string]map[string]bool),
		outputKeyValue: make(map[string]value.Value),
		accum:          make(map[string]value.Value),
		lazyCache:      make(map[string]value.Result),
		lazyCalling:    make(map[string]bool),
		errs:           make(map[string]error),
	}
}

// setErr records (or, given a nil err, clears) the error state for
// output key k.
func (n *node) setErr(k value.Value, err error) {
	fp := value.Fingerprint(k)
	if err == nil {
		delete(n.errs, fp)
		return
	}
	n.errs[fp] = err
	n.outputKeyValue[fp] = k
}

// errAt returns the recorded error for output key k, or nil.
func (n *node) errAt(k value.Value) error {
	return n.errs[value.Fingerprint(k)]
}

// invoke calls the node's mapper, recovering a panic into a single
// EmitErr for key instead of letting it escape and abort the whole
// propagation batch. A panicking mapper is a bug in operator code, not
// a reason to stop every other node from being recomputed.
func (n *node) invoke(ctx Ctx, key value.Value, vs []value.Value) (out []Emission) {
	defer func() {
		if r := recover(); r != nil {
			out = []Emission{EmitErr(key, panicToErr(r))}
		}
	}()
	return n.mapper(ctx, key, vs)
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return engerrors.UserWrap("graph: mapper panicked", err)
	}
	return engerrors.User(fmt.Sprintf("graph: mapper panicked: %v", r))
}

// clearTrace removes all bookkeeping associated with output key k,
// including its entries in every source's invIndex.
func (n *node) clearTrace(k value.Value) {
	fp := value.Fingerprint(k)
	for _, ref := range n.trace[fp] {
		srcFP := value.Fingerprint(ref.Key)
		if bySrc, ok := n.invIndex[ref.Source]; ok {
			if set, ok := bySrc[srcFP]; ok {
				delete(set, fp)
				if len(set) == 0 {
					delete(bySrc, srcFP)
				}
			}
		}
	}
	delete(n.trace, fp)
	delete(n.outputKeyValue, fp)
}

// setTrace replaces output key k's consulted-dependency set.
func (n *node) setTrace(k value.Value, refs []traceRef) {
	n.clearTrace(k)
	fp := value.Fingerprint(k)
	if len(refs) == 0 {
		return
	}
	n.trace[fp] = refs
	n.outputKeyValue[fp] = k
	for _, ref := range refs {
		srcFP := value.Fingerprint(ref.Key)
		bySrc, ok := n.invIndex[ref.Source]
		if !ok {
			bySrc = make(map[string]map[string]bool)
			n.invIndex[ref.Source] = bySrc
		}
		set, ok := bySrc[srcFP]
		if !ok {
			set = make(map[string]bool)
			bySrc[srcFP] = set
		}
		set[fp] = true
	}
}

// appendTrace adds refs to output key k's consulted set without
// disturbing what is already recorded (used by the MapReduce fast
// path, which updates one source's contribution at a time).
func (n *node) appendTrace(k value.Value, refs []traceRef) {
	fp := value.Fingerprint(k)
	n.trace[fp] = append(n.trace[fp], refs...)
	n.outputKeyValue[fp] = k
	for _, ref := range refs {
		srcFP := value.Fingerprint(ref.Key)
		bySrc, ok := n.invIndex[ref.Source]
		if !ok {
			bySrc = make(map[string]map[string]bool)
			n.invIndex[ref.Source] = bySrc
		}
		set, ok := bySrc[srcFP]
		if !ok {
			set = make(map[string]bool)
			bySrc[srcFP] = set
		}
		set[fp] = true
	}
}

// dropSourceContribution removes every trace entry this node recorded
// for output key k that came from (source, sourceKey), returning the
// emitted values that were removed (for reducer undo).
func (n *node) dropSourceContribution(k value.Value, source NodeID, sourceKey value.Value) []value.Value {
	fp := value.Fingerprint(k)
	srcFP := value.Fingerprint(sourceKey)
	var removed []value.Value
	kept := n.trace[fp][:0]
	for _, ref := range n.trace[fp] {
		if ref.Source == source && value.Fingerprint(ref.Key) == srcFP {
			removed = append(removed, ref.Emitted)
			continue
		}
		kept = append(kept, ref)
	}
	if len(kept) == 0 {
		delete(n.trace, fp)
	} else {
		n.trace[fp] = kept
	}
	if bySrc, ok := n.invIndex[source]; ok {
		if set, ok := bySrc[srcFP]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(bySrc, srcFP)
			}
		}
	}
	return removed
}

// affectedOutputKeys returns the output-key fingerprints this node
// previously traced back to (source, key), resolved to Values.
func (n *node) affectedOutputKeys(source NodeID, key value.Value) []value.Value {
	bySrc, ok := n.invIndex[source]
	if !ok {
		return nil
	}
	set, ok := bySrc[value.Fingerprint(key)]
	if !ok {
		return nil
	}
	out := make([]value.Value, 0, len(set))
	for fp := range set {
		out = append(out, n.outputKeyValue[fp])
	}
	return out
}
