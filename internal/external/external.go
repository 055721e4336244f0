// Package external implements the External Subscriber (C5): it
// multiplexes asynchronous adapter callbacks into input-collection
// deltas, serializing every touch of the graph onto the engine's
// single consumer thread.
package external

import (
	"fmt"
	"sync"

	"github.com/r3e-network/dataflow-engine/internal/collection"
	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/value"
	"github.com/r3e-network/dataflow-engine/pkg/metrics"
)

// Entry is one key's worth of adapter-delivered data. An empty Values
// slice deletes the key.
type Entry struct {
	Key    value.Value
	Values []value.Value
}

// State is a subscription's lifecycle position.
type State int

const (
	// StateLoading means the subscription is pending its first (or a
	// repeat) update; reads of keys backed solely by it return empty,
	// but that emptiness never propagates downstream.
	StateLoading State = iota
	// StateActive means the subscription has delivered at least one
	// update and is not currently failed.
	StateActive
	// StateFailed means the subscription's last callback was error(e).
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks is the triple an Adapter drives to report subscription
// lifecycle and data. The subscriber hands these to the adapter;
// adapters never construct their own.
type Callbacks struct {
	Update  func(entries []Entry, isInitial bool)
	Error   func(err error)
	Loading func()
}

// SubscriptionID identifies one adapter subscription, assigned by the
// adapter itself at Subscribe time.
type SubscriptionID string

// Adapter is implemented by any external data source: a polling HTTP
// feed, a test double, a websocket client. Subscribe may be called
// from any goroutine; the callbacks it is given serialize onto the
// engine thread before touching graph state.
type Adapter interface {
	Subscribe(resourceName string, params value.Value, cb Callbacks, auth string) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Shutdown() error
}

type subscription struct {
	id      SubscriptionID
	adapter Adapter
	node    graph.NodeID

	mu      sync.Mutex
	state   State
	lastErr error
	closed  bool
}

// Subscriber is C5. It owns no goroutines of its own: every callback
// it receives is handed to enqueue, which the scheduler (C7) drains on
// its single thread.
type Subscriber struct {
	g       *graph.Graph
	p       *propagate.Propagator
	enqueue func(func())

	mu   sync.Mutex
	subs map[SubscriptionID]*subscription
}

// New creates a Subscriber bound to g and p, dispatching every
// callback-triggered graph mutation through enqueue.
func New(g *graph.Graph, p *propagate.Propagator, enqueue func(func())) *Subscriber {
	return &Subscriber{g: g, p: p, enqueue: enqueue, subs: make(map[SubscriptionID]*subscription)}
}

// Bind opens a subscription against adapter, feeding its updates into
// node (which must be an External-kind graph node). Returns the
// subscription id the adapter assigned.
func (s *Subscriber) Bind(adapter Adapter, node graph.NodeID, resourceName string, params value.Value, auth string) (SubscriptionID, error) {
	kind, ok := s.g.Kind(node)
	if !ok {
		return "", engerrors.Contract(fmt.Sprintf("external: unknown node %q", node))
	}
	if kind != graph.KindExternal {
		return "", engerrors.Contract(fmt.Sprintf("external: node %q is not an External-kind node", node))
	}

	sub := &subscription{node: node, state: StateLoading}
	cb := Callbacks{
		Update:  func(entries []Entry, isInitial bool) { s.onUpdate(sub, entries, isInitial) },
		Error:   func(err error) { s.onError(sub, err) },
		Loading: func() { s.onLoading(sub) },
	}

	id, err := adapter.Subscribe(resourceName, params, cb, auth)
	if err != nil {
		return "", engerrors.Adapter(resourceName, err)
	}
	sub.id = id
	sub.adapter = adapter

	s.mu.Lock()
	s.subs[id] = sub
	s.mu.Unlock()
	metrics.AdapterSubscriptions.WithLabelValues(StateLoading.String()).Inc()
	return id, nil
}

// Unbind unsubscribes id. Any callback that arrives after Unbind
// returns is dropped (best-effort, per the adapter contract).
func (s *Subscriber) Unbind(id SubscriptionID) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sub.mu.Lock()
	sub.closed = true
	lastState := sub.state
	sub.mu.Unlock()
	metrics.AdapterSubscriptions.WithLabelValues(lastState.String()).Dec()
	return sub.adapter.Unsubscribe(id)
}

// recordTransition keeps AdapterSubscriptions in sync when sub moves
// from one lifecycle state to another. Callers must already hold
// sub.mu and have not yet mutated sub.state.
func recordTransition(sub *subscription, to State) {
	if sub.state == to {
		return
	}
	metrics.AdapterSubscriptions.WithLabelValues(sub.state.String()).Dec()
	metrics.AdapterSubscriptions.WithLabelValues(to.String()).Inc()
}

// State reports a subscription's current lifecycle state and, when
// failed, its last reported error.
func (s *Subscriber) State(id SubscriptionID) (State, error, bool) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return 0, nil, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state, sub.lastErr, true
}

// Shutdown unsubscribes and shuts down every adapter this subscriber
// has ever bound to. It does not itself touch the graph.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	adapters := make(map[Adapter]bool)
	for _, sub := range s.subs {
		adapters[sub.adapter] = true
		sub.mu.Lock()
		sub.closed = true
		metrics.AdapterSubscriptions.WithLabelValues(sub.state.String()).Dec()
		sub.mu.Unlock()
	}
	s.subs = make(map[SubscriptionID]*subscription)
	s.mu.Unlock()

	for a := range adapters {
		a.Shutdown()
	}
}

func (s *Subscriber) onLoading(sub *subscription) {
	s.enqueue(func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		// Marking pending is enough: loading never writes a diff, so
		// the propagator never runs and dependents simply keep
		// whatever they last had until the next update.
		recordTransition(sub, StateLoading)
		sub.state = StateLoading
		sub.lastErr = nil
	})
}

func (s *Subscriber) onError(sub *subscription, err error) {
	s.enqueue(func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		recordTransition(sub, StateFailed)
		sub.state = StateFailed
		sub.lastErr = engerrors.Adapter(string(sub.id), err)
	})
}

func (s *Subscriber) onUpdate(sub *subscription, entries []Entry, isInitial bool) {
	s.enqueue(func() {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return
		}

		var diff []collection.KV
		if isInitial {
			present := make(map[string]bool, len(entries))
			for _, e := range entries {
				present[value.Fingerprint(e.Key)] = true
			}
			for _, kv := range s.g.Store().GetAll(collection.ID(sub.node)) {
				if !present[value.Fingerprint(kv.Key)] {
					diff = append(diff, collection.KV{Key: kv.Key})
				}
			}
		}
		for _, e := range entries {
			diff = append(diff, collection.KV{Key: e.Key, Values: e.Values})
		}

		sub.mu.Lock()
		recordTransition(sub, StateActive)
		sub.state = StateActive
		sub.lastErr = nil
		sub.mu.Unlock()

		if len(diff) == 0 {
			return
		}
		s.p.Apply(sub.node, diff)
	})
}
