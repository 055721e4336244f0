package httpfeed

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/dataflow-engine/internal/external"
	"github.com/r3e-network/dataflow-engine/internal/value"
)

func TestSubscribePollsAndDeliversUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("resource"); got != "prices" {
			t.Errorf("expected resource=prices query param, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"values":[["BTC",[50000]]]}`))
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL, PollInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	var loadingCount, updateCount int
	done := make(chan struct{}, 1)
	cb := external.Callbacks{
		Loading: func() {
			mu.Lock()
			loadingCount++
			mu.Unlock()
		},
		Update: func(entries []external.Entry, isInitial bool) {
			mu.Lock()
			updateCount++
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		},
		Error: func(err error) { t.Errorf("unexpected error callback: %v", err) },
	}

	id, err := f.Subscribe("prices", value.NullValue, cb, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first update")
	}

	if err := f.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if loadingCount != 1 {
		t.Fatalf("expected exactly one loading callback, got %d", loadingCount)
	}
	if updateCount == 0 {
		t.Fatalf("expected at least one update callback")
	}
}

func TestSubscribeReportsErrorOnClientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL, PollInterval: time.Second})

	errs := make(chan error, 1)
	cb := external.Callbacks{
		Loading: func() {},
		Update:  func([]external.Entry, bool) { t.Errorf("unexpected update callback") },
		Error: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}

	id, err := f.Subscribe("prices", value.NullValue, cb, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer f.Unsubscribe(id)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error callback")
	}
}

func TestDecodeEntriesParsesWireFormat(t *testing.T) {
	entries, err := decodeEntries([]byte(`{"values":[["k1",[1,"a",true]]]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Key.AsString() != "k1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if len(entries[0].Values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(entries[0].Values))
	}
}
