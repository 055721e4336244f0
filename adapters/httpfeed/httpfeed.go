// Package httpfeed implements an external.Adapter that polls an
// HTTP(S) JSON endpoint on an interval per subscription, grounded on
// infrastructure/datafeed/client.go's http.Client-with-timeout,
// context-per-request style, generalized from a single fixed
// Chainlink JSON-RPC call to an arbitrary resource-parameterized GET
// endpoint polled on a timer with backoff on failure.
package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	engerrors "github.com/r3e-network/dataflow-engine/infrastructure/errors"
	"github.com/r3e-network/dataflow-engine/internal/external"
	"github.com/r3e-network/dataflow-engine/internal/value"
	"github.com/r3e-network/dataflow-engine/pkg/logger"
)

// wireEntry mirrors the wire shape of one [key, [values...]] pair in a
// polled response body.
type wireEntry struct {
	Key    json.RawMessage
	Values []json.RawMessage
}

// UnmarshalJSON decodes one [key, [values...]] array.
func (we *wireEntry) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("httpfeed: wire entry has %d elements, want 2", len(pair))
	}
	we.Key = pair[0]
	return json.Unmarshal(pair[1], &we.Values)
}

type wireBody struct {
	Values []wireEntry `json:"values"`
}

// Config configures a Feed.
type Config struct {
	// BaseURL is the endpoint polled for every subscription; params
	// are appended as query values and the subscription's resource
	// name as the "resource" query parameter.
	BaseURL string
	// PollInterval is how often an active subscription is re-polled.
	PollInterval time.Duration
	// RequestTimeout bounds each individual poll request.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *logger.Logger
}

// Feed polls BaseURL on a timer per subscription, decoding each
// response as a wireBody and reporting it through Callbacks.Update.
// Repeated request failures back off exponentially before reporting
// Callbacks.Error, per cenkalti/backoff/v4's standard retry policy.
type Feed struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	nextID  uint64
	cancels map[external.SubscriptionID]context.CancelFunc
}

// New creates a Feed from cfg, filling unset fields with defaults.
func New(cfg Config) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("httpfeed")
	}
	return &Feed{cfg: cfg, log: cfg.Logger, cancels: make(map[external.SubscriptionID]context.CancelFunc)}
}

// Subscribe implements external.Adapter: it starts a background
// polling loop for resourceName/params and returns immediately.
func (f *Feed) Subscribe(resourceName string, params value.Value, cb external.Callbacks, auth string) (external.SubscriptionID, error) {
	reqURL, err := f.buildURL(resourceName, params)
	if err != nil {
		return "", engerrors.UserWrap("httpfeed: invalid subscribe params", err)
	}

	f.mu.Lock()
	f.nextID++
	id := external.SubscriptionID(fmt.Sprintf("%s:%d", resourceName, f.nextID))
	ctx, cancel := context.WithCancel(context.Background())
	f.cancels[id] = cancel
	f.mu.Unlock()

	cb.Loading()
	go f.poll(ctx, id, reqURL, auth, cb)
	return id, nil
}

// Unsubscribe implements external.Adapter: it stops id's polling loop.
func (f *Feed) Unsubscribe(id external.SubscriptionID) error {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	if ok {
		delete(f.cancels, id)
	}
	f.mu.Unlock()
	if !ok {
		return engerrors.Adapter("httpfeed", engerrors.Internal("unknown subscription", nil))
	}
	cancel()
	return nil
}

// Shutdown implements external.Adapter: it stops every polling loop.
func (f *Feed) Shutdown() error {
	f.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(f.cancels))
	for id, cancel := range f.cancels {
		cancels = append(cancels, cancel)
		delete(f.cancels, id)
	}
	f.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (f *Feed) buildURL(resourceName string, params value.Value) (string, error) {
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("resource", resourceName)
	if params.Kind() == value.Mapping {
		for _, k := range params.Keys() {
			v, ok := params.Field(k)
			if !ok {
				continue
			}
			q.Set(k, fmt.Sprint(scalarString(v)))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func scalarString(v value.Value) string {
	switch v.Kind() {
	case value.String:
		return v.AsString()
	case value.Number:
		return fmt.Sprintf("%v", v.AsNumber())
	case value.Bool:
		return fmt.Sprintf("%v", v.AsBool())
	default:
		return ""
	}
}

func (f *Feed) poll(ctx context.Context, id external.SubscriptionID, reqURL, auth string, cb external.Callbacks) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	isInitial := true
	f.fetchAndReport(ctx, reqURL, auth, cb, isInitial)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.fetchAndReport(ctx, reqURL, auth, cb, false)
		}
	}
}

func (f *Feed) fetchAndReport(ctx context.Context, reqURL, auth string, cb external.Callbacks, isInitial bool) {
	body, err := f.fetchWithRetry(ctx, reqURL, auth)
	if err != nil {
		f.log.WithField("url", reqURL).WithField("error", err.Error()).Warn("httpfeed: poll failed")
		cb.Error(engerrors.Adapter("httpfeed", err))
		return
	}

	entries, err := decodeEntries(body)
	if err != nil {
		cb.Error(engerrors.Adapter("httpfeed", err))
		return
	}
	cb.Update(entries, isInitial)
}

// fetchWithRetry performs one logical poll, retrying transient HTTP
// and network failures with cenkalti/backoff/v4's default exponential
// policy until it succeeds, ctx is done, or the policy's elapsed-time
// limit (15 minutes by default) runs out. A 4xx response or a request
// that cannot be built is not retried.
func (f *Feed) fetchWithRetry(ctx context.Context, reqURL, auth string) ([]byte, error) {
	var body []byte
	op := func() error {
		b, err := f.fetchOnce(ctx, reqURL, auth)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Feed) fetchOnce(ctx context.Context, reqURL, auth string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("httpfeed: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("httpfeed: client error %d", resp.StatusCode))
	}
	return b, nil
}

func decodeEntries(body []byte) ([]external.Entry, error) {
	var wb wireBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("httpfeed: decode response: %w", err)
	}

	entries := make([]external.Entry, 0, len(wb.Values))
	for _, we := range wb.Values {
		key, err := decodeValue(we.Key)
		if err != nil {
			return nil, err
		}
		values := make([]value.Value, 0, len(we.Values))
		for _, raw := range we.Values {
			v, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		entries = append(entries, external.Entry{Key: key, Values: values})
	}
	return entries, nil
}

func decodeValue(raw json.RawMessage) (value.Value, error) {
	var anyVal interface{}
	if err := json.Unmarshal(raw, &anyVal); err != nil {
		return value.NullValue, err
	}
	return value.FromJSON(anyVal)
}
