package graph

import (
	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// opCtx implements Ctx for a single operator invocation, recording
// every dependency consulted into consulted so the caller can fold it
// into the computing node's trace once the call returns.
type opCtx struct {
	g         *Graph
	consulted *[]traceRef
}

func (c *opCtx) GetUnique(nodeID NodeID, key value.Value) (value.Value, error) {
	*c.consulted = append(*c.consulted, traceRef{Source: nodeID, Key: key})
	if kind, ok := c.g.Kind(nodeID); ok && kind == KindLazy {
		res := c.g.lazyGet(nodeID, key)
		if res.IsErr() {
			return value.NullValue, res.Error()
		}
		return res.Value(), nil
	}
	if err := c.g.ErrorAt(nodeID, key); err != nil {
		return value.NullValue, err
	}
	v, err := c.g.store.GetUnique(collection.ID(nodeID), key)
	if err != nil {
		return value.NullValue, engerrors.ContractWrap("graph: getUnique", err)
	}
	return v, nil
}

func (c *opCtx) GetArray(nodeID NodeID, key value.Value) []value.Value {
	*c.consulted = append(*c.consulted, traceRef{Source: nodeID, Key: key})
	if kind, ok := c.g.Kind(nodeID); ok && kind == KindLazy {
		res := c.g.lazyGet(nodeID, key)
		if res.IsErr() {
			return nil
		}
		return []value.Value{res.Value()}
	}
	if c.g.ErrorAt(nodeID, key) != nil {
		return nil
	}
	vs, _ := c.g.store.GetKey(collection.ID(nodeID), key)
	return vs
}
