package external

import (
	"testing"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/heap"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// fakeAdapter lets the test drive callbacks directly, standing in for
// a real network adapter.
type fakeAdapter struct {
	id           SubscriptionID
	cb           Callbacks
	unsubscribed bool
	shutdown     bool
}

func (f *fakeAdapter) Subscribe(resourceName string, params value.Value, cb Callbacks, auth string) (SubscriptionID, error) {
	f.cb = cb
	f.id = SubscriptionID("sub-1")
	return f.id, nil
}
func (f *fakeAdapter) Unsubscribe(id SubscriptionID) error { f.unsubscribed = true; return nil }
func (f *fakeAdapter) Shutdown() error                     { f.shutdown = true; return nil }

func inlineEnqueue(task func()) { task() }

type stubErr string

func (e stubErr) Error() string { return string(e) }

func newFixture(t *testing.T) (*graph.Graph, *propagate.Propagator, *Subscriber) {
	t.Helper()
	store := collection.New()
	g := graph.New(store)
	if err := g.AddNode(graph.Spec{ID: "feed", Kind: graph.KindExternal}); err != nil {
		t.Fatalf("add node: %v", err)
	}
	h := heap.New()
	p := propagate.New(g, h)
	s := New(g, p, inlineEnqueue)
	return g, p, s
}

func TestBindRejectsNonExternalNode(t *testing.T) {
	store := collection.New()
	g := graph.New(store)
	must(t, g.AddNode(graph.Spec{ID: "in", Kind: graph.KindInput}))
	h := heap.New()
	p := propagate.New(g, h)
	s := New(g, p, inlineEnqueue)

	a := &fakeAdapter{}
	_, err := s.Bind(a, "in", "res", value.NullValue, "")
	if err == nil {
		t.Fatalf("expected error binding to a non-External node")
	}
	if !engerrors.Is(err, engerrors.KindContract) {
		t.Fatalf("expected contract error, got %v", err)
	}
}

func TestUpdateInitialAndDelta(t *testing.T) {
	g, _, s := newFixture(t)
	a := &fakeAdapter{}
	id, err := s.Bind(a, "feed", "prices", value.NullValue, "")
	must(t, err)

	a.cb.Update([]Entry{
		{Key: value.NewInt(1), Values: []value.Value{value.NewInt(100)}},
		{Key: value.NewInt(2), Values: []value.Value{value.NewInt(200)}},
	}, true)

	got := g.Store().GetAll("feed")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after initial update, got %d", len(got))
	}
	st, _, _ := s.State(id)
	if st != StateActive {
		t.Fatalf("expected StateActive, got %v", st)
	}

	// A second isInitial update that drops key 1 must replace wholesale.
	a.cb.Update([]Entry{
		{Key: value.NewInt(2), Values: []value.Value{value.NewInt(201)}},
	}, true)
	if _, ok := g.Store().GetKey("feed", value.NewInt(1)); ok {
		t.Fatalf("expected key 1 dropped by the wholesale replace")
	}
	v2, _ := g.Store().GetUnique("feed", value.NewInt(2))
	if v2.AsNumber() != 201 {
		t.Fatalf("expected key 2 = 201, got %v", v2)
	}

	// A delta update only touches the keys it names.
	a.cb.Update([]Entry{{Key: value.NewInt(3), Values: []value.Value{value.NewInt(300)}}}, false)
	if _, ok := g.Store().GetKey("feed", value.NewInt(2)); !ok {
		t.Fatalf("expected key 2 untouched by delta update")
	}
	v3, _ := g.Store().GetUnique("feed", value.NewInt(3))
	if v3.AsNumber() != 300 {
		t.Fatalf("expected key 3 = 300, got %v", v3)
	}

	// A delta with an empty values slice deletes.
	a.cb.Update([]Entry{{Key: value.NewInt(3), Values: nil}}, false)
	if _, ok := g.Store().GetKey("feed", value.NewInt(3)); ok {
		t.Fatalf("expected key 3 deleted by empty-values delta")
	}
}

func TestLoadingDoesNotPropagateAndErrorMarksFailed(t *testing.T) {
	g, _, s := newFixture(t)
	a := &fakeAdapter{}
	id, err := s.Bind(a, "feed", "prices", value.NullValue, "")
	must(t, err)

	a.cb.Loading()
	st, _, _ := s.State(id)
	if st != StateLoading {
		t.Fatalf("expected StateLoading, got %v", st)
	}
	if len(g.Store().GetAll("feed")) != 0 {
		t.Fatalf("expected no store writes from loading()")
	}

	a.cb.Error(stubErr("feed timed out"))
	st, lastErr, _ := s.State(id)
	if st != StateFailed || lastErr == nil {
		t.Fatalf("expected StateFailed with an error, got %v / %v", st, lastErr)
	}
}

func TestUnbindDropsLateCallbacks(t *testing.T) {
	g, _, s := newFixture(t)
	a := &fakeAdapter{}
	id, err := s.Bind(a, "feed", "prices", value.NullValue, "")
	must(t, err)

	cb := a.cb
	must(t, s.Unbind(id))
	if !a.unsubscribed {
		t.Fatalf("expected adapter.Unsubscribe to be called")
	}

	cb.Update([]Entry{{Key: value.NewInt(1), Values: []value.Value{value.NewInt(1)}}}, true)
	if len(g.Store().GetAll("feed")) != 0 {
		t.Fatalf("expected late callback after Unbind to be dropped")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
