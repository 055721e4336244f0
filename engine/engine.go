// Package dataflow implements the Scheduler (C7): a single engine
// goroutine that serializes every client Control API call, adapter
// callback, and timer tick onto one consumer, generalizing the
// teacher's system/core Bus/LifecycleManager pub/sub-and-startup
// pattern from a multi-module event fan-out to a single-threaded
// dataflow kernel.
package dataflow

import (
	"sync"
	"time"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/infrastructure/utils"
	"github.com/r3e-network/dataflow-engine/internal/collection"
	"github.com/r3e-network/dataflow-engine/internal/external"
	"github.com/r3e-network/dataflow-engine/internal/graph"
	"github.com/r3e-network/dataflow-engine/internal/heap"
	"github.com/r3e-network/dataflow-engine/internal/propagate"
	"github.com/r3e-network/dataflow-engine/internal/resource"
	"github.com/r3e-network/dataflow-engine/internal/value"
	"github.com/r3e-network/dataflow-engine/pkg/logger"
	"github.com/r3e-network/dataflow-engine/pkg/metrics"

	"github.com/r3e-network/dataflow-engine/infrastructure/config"
)

// Engine owns the graph, heap, propagator, external subscriber and
// resource manager for one running dataflow program, and drives every
// mutation of that state through a single goroutine.
type Engine struct {
	g        *graph.Graph
	h        *heap.Heap
	p        *propagate.Propagator
	ext      *external.Subscriber
	res      *resource.Manager
	registry *resource.Registry
	log      *logger.Logger

	cmds chan func()
	done chan struct{}
	wg   sync.WaitGroup

	mu              sync.Mutex
	clientInstances map[string]*clientInstance
}

// clientInstance binds the caller-facing instance id from the Control
// API to the internally uuid-namespaced resource.Instance, so that
// instantiateResource can be idempotent on (id, name, params) per the
// Control API contract while internal/resource keeps its own private
// node-namespacing id.
type clientInstance struct {
	instance  *resource.Instance
	resource  string
	params    value.Value
	delivered resource.Watermark
	subs      []func(diffs []resource.Diff)
}

// New creates an Engine with a fresh graph, heap, propagator and
// resource manager bound to registry, and starts its event loop.
func New(cfg config.EngineConfig, registry *resource.Registry, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("dataflow-engine")
	}
	store := collection.New()
	g := graph.New(store)
	g.SetLazyCacheLimit(cfg.LazyCacheMaxEntries)
	h := heap.New()
	p := propagate.New(g, h)

	e := &Engine{
		g:               g,
		h:               h,
		p:               p,
		registry:        registry,
		log:             log,
		cmds:            make(chan func(), 256),
		done:            make(chan struct{}),
		clientInstances: make(map[string]*clientInstance),
	}
	e.res = resource.NewManager(g, p, registry)
	e.ext = external.New(g, p, e.enqueue)

	e.wg.Add(1)
	go e.run()
	return e
}

// Graph exposes the engine's graph, for engine owners that wire input
// nodes directly at startup before any client has connected.
func (e *Engine) Graph() *graph.Graph { return e.g }

// External exposes the engine's subscriber, for binding adapters to
// External-kind nodes.
func (e *Engine) External() *external.Subscriber { return e.ext }

// run is the single consumer goroutine. utils.Recover here is a
// last-resort backstop for a bug in engine plumbing itself, not the
// engine's error-surfacing mechanism: a mapper that fails for one key
// never reaches this far, since internal/graph recovers it per
// operator invocation and turns it into that key's Change.Err, so the
// rest of the batch and every later command still runs normally.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.cmds:
			utils.Recover(fn, func(err error) {
				e.log.WithField("error", err.Error()).Error("engine: recovered panic in dispatched command")
			})
		case <-e.done:
			return
		}
	}
}

// enqueue schedules fn to run on the engine goroutine. It is the
// injection point external.Subscriber uses to serialize adapter
// callbacks, and the one every Control API method below funnels
// through.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// Update deposits diff at node (an Input or External collection),
// propagates it to quiescence, and fans any resulting resource-instance
// diffs out to their subscribers. This is the Control API's update().
func (e *Engine) Update(node graph.NodeID, diff []collection.KV) ([]propagate.Change, error) {
	type out struct {
		changes []propagate.Change
		err     error
	}
	ch := make(chan out, 1)
	e.enqueue(func() {
		start := time.Now()
		changes, err := e.p.Apply(node, diff)
		metrics.ObservePropagation(time.Since(start))
		metrics.HeapLiveObjects.Set(float64(e.h.Len()))
		e.deliverSubscriptions()
		ch <- out{changes, err}
	})
	select {
	case r := <-ch:
		return r.changes, r.err
	case <-e.done:
		return nil, engerrors.Internal("engine: closed", nil)
	}
}

// InstantiateResource opens resourceName with params under the
// caller-supplied instanceID, idempotently: a repeat call with the
// same (instanceID, resourceName, params) returns the already-open
// instance's current snapshot rather than opening a second one; a
// repeat call with a different resourceName or params is a contract
// error. This is the Control API's instantiateResource().
func (e *Engine) InstantiateResource(instanceID, resourceName string, params value.Value) (*resource.Instance, []collection.KV, error) {
	type out struct {
		inst     *resource.Instance
		snapshot []collection.KV
		err      error
	}
	ch := make(chan out, 1)
	e.enqueue(func() {
		e.mu.Lock()
		existing, ok := e.clientInstances[instanceID]
		e.mu.Unlock()
		if ok {
			if existing.resource != resourceName || !value.Equal(existing.params, params) {
				ch <- out{nil, nil, engerrors.Contract("engine: instanceID already bound to a different resource/params")}
				return
			}
			snapshot := e.g.Store().GetAll(collection.ID(existing.instance.Output))
			ch <- out{existing.instance, snapshot, nil}
			return
		}

		inst, snapshot, err := e.res.Open(resourceName, params)
		if err != nil {
			ch <- out{nil, nil, err}
			return
		}
		ci := &clientInstance{instance: inst, resource: resourceName, params: params}
		e.mu.Lock()
		e.clientInstances[instanceID] = ci
		e.mu.Unlock()
		metrics.ResourceInstancesOpen.WithLabelValues(resourceName).Inc()
		ch <- out{inst, snapshot, nil}
	})
	select {
	case r := <-ch:
		return r.inst, r.snapshot, r.err
	case <-e.done:
		return nil, nil, engerrors.Internal("engine: closed", nil)
	}
}

// CloseResourceInstance closes the instance bound to instanceID,
// dropping its private nodes and forgetting its subscribers. This is
// the Control API's closeResourceInstance().
func (e *Engine) CloseResourceInstance(instanceID string) error {
	ch := make(chan error, 1)
	e.enqueue(func() {
		e.mu.Lock()
		ci, ok := e.clientInstances[instanceID]
		if ok {
			delete(e.clientInstances, instanceID)
		}
		e.mu.Unlock()
		if !ok {
			ch <- nil
			return
		}
		err := e.res.Close(ci.instance.ID)
		metrics.ResourceInstancesOpen.WithLabelValues(ci.resource).Dec()
		metrics.ResourcePendingDiffs.DeleteLabelValues(instanceID)
		ch <- err
	})
	select {
	case err := <-ch:
		return err
	case <-e.done:
		return engerrors.Internal("engine: closed", nil)
	}
}

// GetAll returns the full current contents of instanceID's output
// collection together with its current watermark. This is the Control
// API's getAll().
func (e *Engine) GetAll(instanceID string) ([]collection.KV, resource.Watermark, error) {
	type out struct {
		payload   []collection.KV
		watermark resource.Watermark
		err       error
	}
	ch := make(chan out, 1)
	e.enqueue(func() {
		ci, ok := e.lookupClientInstance(instanceID)
		if !ok {
			ch <- out{nil, 0, engerrors.User("engine: unknown instance id")}
			return
		}
		payload := e.g.Store().GetAll(collection.ID(ci.instance.Output))
		_, wm := ci.instance.GetAll(0)
		ch <- out{payload, wm, nil}
	})
	select {
	case r := <-ch:
		return r.payload, r.watermark, r.err
	case <-e.done:
		return nil, 0, engerrors.Internal("engine: closed", nil)
	}
}

// GetArray returns the multiset of values at key within instanceID's
// output collection. This is the Control API's getArray().
func (e *Engine) GetArray(instanceID string, key value.Value) ([]value.Value, resource.Watermark, error) {
	type out struct {
		values    []value.Value
		watermark resource.Watermark
		err       error
	}
	ch := make(chan out, 1)
	e.enqueue(func() {
		ci, ok := e.lookupClientInstance(instanceID)
		if !ok {
			ch <- out{nil, 0, engerrors.User("engine: unknown instance id")}
			return
		}
		values, _ := e.g.Store().GetKey(collection.ID(ci.instance.Output), key)
		_, wm := ci.instance.GetAll(0)
		ch <- out{values, wm, nil}
	})
	select {
	case r := <-ch:
		return r.values, r.watermark, r.err
	case <-e.done:
		return nil, 0, engerrors.Internal("engine: closed", nil)
	}
}

// Subscribe registers cb to be called, on the engine goroutine, with
// every batch of diffs newly queued for instanceID since the last
// delivery. The returned function unsubscribes. This is the Control
// API's subscribe().
func (e *Engine) Subscribe(instanceID string, cb func(diffs []resource.Diff)) (func(), error) {
	type out struct {
		unsub func()
		err   error
	}
	ch := make(chan out, 1)
	e.enqueue(func() {
		ci, ok := e.lookupClientInstance(instanceID)
		if !ok {
			ch <- out{nil, engerrors.User("engine: unknown instance id")}
			return
		}
		ci.subs = append(ci.subs, cb)
		idx := len(ci.subs) - 1
		unsub := func() {
			e.enqueue(func() {
				if idx < len(ci.subs) {
					ci.subs[idx] = nil
				}
			})
		}
		ch <- out{unsub, nil}
	})
	select {
	case r := <-ch:
		return r.unsub, r.err
	case <-e.done:
		return nil, engerrors.Internal("engine: closed", nil)
	}
}

// lookupClientInstance must be called from the engine goroutine.
func (e *Engine) lookupClientInstance(instanceID string) (*clientInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ci, ok := e.clientInstances[instanceID]
	return ci, ok
}

// deliverSubscriptions fans newly queued diffs out to every
// subscription on every open client instance. Must be called from the
// engine goroutine.
func (e *Engine) deliverSubscriptions() {
	e.mu.Lock()
	instances := make([]*clientInstance, 0, len(e.clientInstances))
	for id, ci := range e.clientInstances {
		instances = append(instances, ci)
		_ = id
	}
	e.mu.Unlock()

	for _, ci := range instances {
		diffs, wm := ci.instance.GetAll(ci.delivered)
		metrics.ResourcePendingDiffs.WithLabelValues(ci.instance.ID).Set(float64(len(diffs)))
		if len(diffs) == 0 {
			continue
		}
		ci.delivered = wm
		for _, cb := range ci.subs {
			if cb != nil {
				cb(diffs)
			}
		}
	}
}

// Close shuts down the engine goroutine and every adapter subscription
// bound through its External Subscriber. This is the Control API's
// close().
func (e *Engine) Close() {
	e.ext.Shutdown()
	close(e.done)
	e.wg.Wait()
}
