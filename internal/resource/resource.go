// Package resource implements Resource Instances (C6): a reader-scoped
// snapshot-plus-subscription bound to a named resource template,
// instantiated with caller-supplied parameters.
package resource

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

// Watermark orders the diffs delivered to one instance. Watermarks are
// strictly increasing per instance and meaningless compared across
// instances.
type Watermark uint64

// Diff is one change appended to an instance's pending-diff queue. Err
// is set instead of Values when the node backing this instance failed
// to produce a value at Key (see propagate.Change.Err); the instance
// keeps running and callers see the failure on their next GetAll or
// subscription delivery rather than the engine aborting.
type Diff struct {
	Watermark Watermark
	Key       value.Value
	Values    []value.Value
	Err       error
}

// InstantiateFunc wires a resource template's sub-graph into g for one
// instance and returns the node whose output becomes the instance's
// contents. Every node it creates must be named with the
// instanceID+":" prefix (see Template doc) so Close can find and drop
// them without disturbing nodes shared with other instances or wired
// in at engine startup.
type InstantiateFunc func(g *graph.Graph, instanceID string, params value.Value) (graph.NodeID, error)

// Template is a named, parameterized node program. Resources are
// registered once at startup and instantiated many times, once per
// Open call, each with its own private node namespace.
type Template struct {
	Name        string
	Instantiate InstantiateFunc
}

// Registry holds every resource template the engine knows how to
// instantiate.
type Registry struct {
	mu        sync.Mutex
	templates map[string]Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Register adds t to the registry. Re-registering the same name
// replaces the previous template.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// Get looks up a template by name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[name]
	return t, ok
}

// Instance is one open reader-scoped binding to a resource.
type Instance struct {
	ID       string
	Resource string
	Params   value.Value
	Output   graph.NodeID

	mu        sync.Mutex
	watermark Watermark
	diffs     []Diff
	closed    bool
}

// GetAll returns every diff with a watermark strictly greater than
// since, along with the instance's current high watermark.
func (inst *Instance) GetAll(since Watermark) ([]Diff, Watermark) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	var out []Diff
	for _, d := range inst.diffs {
		if d.Watermark > since {
			out = append(out, d)
		}
	}
	return out, inst.watermark
}

// Closed reports whether Close has already been called on this
// instance.
func (inst *Instance) Closed() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.closed
}

// Manager is C6: it opens and closes resource instances, seeds each
// with its initial contents, and fans every propagator change at an
// instance's output node into that instance's diff queue.
type Manager struct {
	g        *graph.Graph
	p        *propagate.Propagator
	registry *Registry

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a Manager over g and p, registering itself as a
// propagator watcher.
func NewManager(g *graph.Graph, p *propagate.Propagator, registry *Registry) *Manager {
	m := &Manager{g: g, p: p, registry: registry, instances: make(map[string]*Instance)}
	p.Watch(m.onChange)
	return m
}

func (m *Manager) onChange(c propagate.Change) {
	m.mu.Lock()
	matches := make([]*Instance, 0, 1)
	for _, inst := range m.instances {
		if inst.Output == c.Node {
			matches = append(matches, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range matches {
		inst.mu.Lock()
		if !inst.closed {
			inst.watermark++
			inst.diffs = append(inst.diffs, Diff{Watermark: inst.watermark, Key: c.Key, Values: c.New, Err: c.Err})
		}
		inst.mu.Unlock()
	}
}

// Open instantiates resourceName with params, returning the new
// instance together with its initial materialized contents (the w0
// snapshot the caller should treat as isInitial=true).
func (m *Manager) Open(resourceName string, params value.Value) (*Instance, []collection.KV, error) {
	tmpl, ok := m.registry.Get(resourceName)
	if !ok {
		return nil, nil, engerrors.User(fmt.Sprintf("resource: unknown template %q", resourceName))
	}

	id := uuid.New().String()
	output, err := tmpl.Instantiate(m.g, id, params)
	if err != nil {
		return nil, nil, engerrors.UserWrap("resource: template instantiation failed", err)
	}

	inst := &Instance{ID: id, Resource: resourceName, Params: params, Output: output}
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	snapshot := m.g.Store().GetAll(output)
	return inst, snapshot, nil
}

// Close drops instanceID's output node and every node private to it
// (every reachable node whose ID carries its instanceID+":" prefix),
// per the spec's "drop the output node and transitively any node no
// longer reachable from any live instance". Nodes outside that
// namespace (shared feeds, engine-wired inputs) are left untouched
// even if they appear in the instance's reachable set.
func (m *Manager) Close(instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		delete(m.instances, instanceID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	inst.closed = true
	inst.mu.Unlock()

	prefix := inst.ID + ":"
	for _, n := range m.reachable(inst.Output) {
		if strings.HasPrefix(string(n), prefix) {
			m.g.Remove(n)
		}
	}
	return nil
}

// Get looks up a still-open instance by id.
func (m *Manager) Get(instanceID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

func (m *Manager) reachable(output graph.NodeID) []graph.NodeID {
	seen := make(map[graph.NodeID]bool)
	var out []graph.NodeID
	var walk func(graph.NodeID)
	walk = func(id graph.NodeID) {
		if seen[id] || !m.g.Has(id) {
			return
		}
		seen[id] = true
		out = append(out, id)
		for _, in := range m.g.Inputs(id) {
			walk(in)
		}
	}
	walk(output)
	return out
}
