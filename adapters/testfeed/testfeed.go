// Package testfeed provides an in-process external.Adapter double for
// tests and local development: a program pushes entries directly
// through Push instead of the adapter reaching out over a network,
// mirroring the teacher's MockCallbackSender pattern (record what was
// sent, let the caller drive delivery) adapted from recording outbound
// callbacks to delivering inbound subscription data.
package testfeed

import (
	"fmt"
	"sync"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/external"
	"github.com/r3e-network/dataflow-engine/internal/value"
	"github.com/r3e-network/dataflow-engine/pkg/logger"
)

// subscription tracks one Subscribe call's callbacks and the resource
// it was opened against, so Push can address it by resourceName.
type subscription struct {
	id       external.SubscriptionID
	resource string
	params   value.Value
	cb       external.Callbacks
}

// Feed is a test double for external.Adapter. Subscribe records the
// call and immediately reports Loading; test code then calls Push (or
// Fail) to drive Update/Error callbacks on its own schedule.
type Feed struct {
	log *logger.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[external.SubscriptionID]*subscription
	history []SubscribeCall
}

// SubscribeCall is one recorded Subscribe invocation, for tests that
// assert on what the engine asked the adapter to do.
type SubscribeCall struct {
	Resource string
	Params   value.Value
	Auth     string
}

// New creates an empty Feed. A nil logger gets a default one, matching
// the teacher's NewMockCallbackSender nil-logger convention.
func New(log *logger.Logger) *Feed {
	if log == nil {
		log = logger.NewDefault("testfeed")
	}
	return &Feed{log: log, subs: make(map[external.SubscriptionID]*subscription)}
}

// Subscribe implements external.Adapter.
func (f *Feed) Subscribe(resourceName string, params value.Value, cb external.Callbacks, auth string) (external.SubscriptionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := external.SubscriptionID(fmt.Sprintf("%s:%d", resourceName, f.nextID))
	f.subs[id] = &subscription{id: id, resource: resourceName, params: params, cb: cb}
	f.history = append(f.history, SubscribeCall{Resource: resourceName, Params: params, Auth: auth})
	f.log.WithField("resource", resourceName).WithField("subscription", string(id)).Debug("testfeed: subscribed")
	cb.Loading()
	return id, nil
}

// Unsubscribe implements external.Adapter.
func (f *Feed) Unsubscribe(id external.SubscriptionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return engerrors.Adapter("testfeed", engerrors.Internal("unknown subscription", nil))
	}
	delete(f.subs, id)
	return nil
}

// Shutdown implements external.Adapter.
func (f *Feed) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = make(map[external.SubscriptionID]*subscription)
	return nil
}

// Push delivers entries to every open subscription against
// resourceName, as if the upstream source just reported an update.
// isInitial should be true for a subscription's first delivery.
func (f *Feed) Push(resourceName string, entries []external.Entry, isInitial bool) {
	for _, sub := range f.matching(resourceName) {
		sub.cb.Update(entries, isInitial)
	}
}

// Fail reports err on every open subscription against resourceName.
func (f *Feed) Fail(resourceName string, err error) {
	for _, sub := range f.matching(resourceName) {
		sub.cb.Error(err)
	}
}

func (f *Feed) matching(resourceName string) []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*subscription
	for _, sub := range f.subs {
		if sub.resource == resourceName {
			out = append(out, sub)
		}
	}
	return out
}

// History returns every Subscribe call this feed has recorded, for
// tests asserting on what params the engine requested.
func (f *Feed) History() []SubscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SubscribeCall, len(f.history))
	copy(out, f.history)
	return out
}
