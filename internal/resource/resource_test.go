package resource

import (
	"testing"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/heap"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// doublerTemplate wires a minimal private input->map subgraph per
// instance, namespaced under instanceID.
func doublerTemplate() Template {
	return Template{
		Name: "doubler",
		Instantiate: func(g *graph.Graph, instanceID string, params value.Value) (graph.NodeID, error) {
			inID := graph.NodeID(instanceID + ":in")
			outID := graph.NodeID(instanceID + ":out")
			if err := g.AddNode(graph.Spec{ID: inID, Kind: graph.KindInput}); err != nil {
				return "", err
			}
			if err := g.AddNode(graph.Spec{
				ID:     outID,
				Kind:   graph.KindMap,
				Inputs: []graph.NodeID{inID},
				Mapper: func(ctx graph.Ctx, k value.Value, vs []value.Value) []graph.Emission {
					var out []graph.Emission
					for _, v := range vs {
						out = append(out, graph.Emit(k, value.NewNumber(v.AsNumber()*2)))
					}
					return out
				},
			}); err != nil {
				return "", err
			}
			return outID, nil
		},
	}
}

func newFixture(t *testing.T) (*graph.Graph, *propagate.Propagator, *Manager) {
	t.Helper()
	store := collection.New()
	g := graph.New(store)
	h := heap.New()
	p := propagate.New(g, h)
	reg := NewRegistry()
	reg.Register(doublerTemplate())
	m := NewManager(g, p, reg)
	return g, p, m
}

func TestOpenSeedsInitialSnapshotAndDiffsFlow(t *testing.T) {
	_, p, m := newFixture(t)
	inst, snapshot, err := m.Open("doubler", value.NullValue)
	must(t, err)
	if len(snapshot) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", snapshot)
	}

	inID := graph.NodeID(inst.ID + ":in")
	_, err = p.Apply(inID, []collection.KV{{Key: value.NewInt(1), Values: []value.Value{value.NewInt(10)}}})
	must(t, err)

	diffs, wm := inst.GetAll(0)
	if len(diffs) != 1 || diffs[0].Values[0].AsNumber() != 20 {
		t.Fatalf("expected one diff of value 20, got %+v", diffs)
	}
	if wm != 1 {
		t.Fatalf("expected watermark 1, got %d", wm)
	}

	more, _ := inst.GetAll(wm)
	if len(more) != 0 {
		t.Fatalf("expected no new diffs since the last watermark, got %+v", more)
	}
}

func TestCloseDropsPrivateNodesOnly(t *testing.T) {
	g, _, m := newFixture(t)
	inst, _, err := m.Open("doubler", value.NullValue)
	must(t, err)

	inID := graph.NodeID(inst.ID + ":in")
	outID := inst.Output
	if !g.Has(inID) || !g.Has(outID) {
		t.Fatalf("expected instance nodes present before close")
	}

	must(t, m.Close(inst.ID))
	if g.Has(inID) || g.Has(outID) {
		t.Fatalf("expected instance nodes dropped after close")
	}
	if _, ok := m.Get(inst.ID); ok {
		t.Fatalf("expected instance to be forgotten after close")
	}
}

func TestOpenUnknownResourceFails(t *testing.T) {
	_, _, m := newFixture(t)
	_, _, err := m.Open("nope", value.NullValue)
	if err == nil {
		t.Fatalf("expected error opening an unregistered resource")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
