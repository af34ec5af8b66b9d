package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type staticPolicy bool

func (p staticPolicy) ShouldQueue(method string) bool {
	if IsReadMethod(method) {
		return false
	}
	return bool(p)
}

type failingStore struct {
	Store
	err error
}

func (s failingStore) Enqueue(ctx context.Context, op Operation) error {
	return s.err
}

func newTestClient(t *testing.T, store Store, sender Sender, policy QueuePolicy, mutate func(*ClientOptions)) *Client {
	t.Helper()
	opts := ClientOptions{Store: store, Sender: sender, Policy: policy}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientQueuesWhenPolicySaysSo(t *testing.T) {
	store := NewMemoryStore()
	sender := &fakeSender{}
	var queued atomic.Int64
	c := newTestClient(t, store, sender, staticPolicy(true), func(o *ClientOptions) {
		o.OnQueued = func(Operation) { queued.Add(1) }
	})

	resp, err := c.Do(context.Background(), Request{
		Method:  "patch",
		URL:     "/widgets/1",
		Body:    json.RawMessage(`{"x":1}`),
		Options: map[string]any{"headers": map[string]any{"X-A": "1", "X-B": 2}, "timeout": 500},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Queued || resp.StatusCode != http.StatusAccepted || resp.OperationID == "" || resp.IdempotencyKey == "" {
		t.Fatalf("expected queued ack, got %+v", resp)
	}
	if len(sender.Calls()) != 0 {
		t.Fatalf("expected no live call while queueing")
	}
	stored, err := store.Get(context.Background(), resp.OperationID)
	if err != nil {
		t.Fatalf("expected stored record: %v", err)
	}
	if stored.Method != "PATCH" || stored.IdempotencyKey != resp.IdempotencyKey || stored.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
	if len(stored.Options.Headers) != 1 || stored.Options.TimeoutMS != 500 {
		t.Fatalf("expected sanitized options, got %#v", stored.Options)
	}
	if queued.Load() != 1 {
		t.Fatalf("expected OnQueued hook to fire once, got %d", queued.Load())
	}
}

func TestClientSendsReadsLiveEvenWhenOffline(t *testing.T) {
	store := NewMemoryStore()
	sender := &fakeSender{}
	c := newTestClient(t, store, sender, staticPolicy(true), nil)
	resp, err := c.Do(context.Background(), Request{Method: "get", URL: "/widgets"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Queued {
		t.Fatalf("expected read to never be queued")
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].Method != http.MethodGet || calls[0].IdempotencyKey != "" {
		t.Fatalf("expected one live GET without idempotency key, got %+v", calls)
	}
	if count, _ := store.Count(context.Background()); count != 0 {
		t.Fatalf("expected nothing queued, got %d", count)
	}
}

func TestClientSendsLiveWithIdempotencyKeyWhenOnline(t *testing.T) {
	sender := &fakeSender{}
	c := newTestClient(t, NewMemoryStore(), sender, staticPolicy(false), nil)
	if _, err := c.Do(context.Background(), Request{Method: "POST", URL: "/orders"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].IdempotencyKey == "" {
		t.Fatalf("expected live call carrying an idempotency key, got %+v", calls)
	}
}

func TestClientEnqueueFailureIsSurfaced(t *testing.T) {
	cause := errors.New("disk full")
	c := newTestClient(t, failingStore{Store: NewMemoryStore(), err: cause}, &fakeSender{}, staticPolicy(true), nil)
	_, err := c.Do(context.Background(), Request{Method: "POST", URL: "/orders"})
	if !errors.Is(err, ErrEnqueue) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrEnqueue wrapping the cause, got %v", err)
	}
}

func TestClientQueuesTransportFailureWithSameKey(t *testing.T) {
	store := NewMemoryStore()
	sender := &fakeSender{fn: func(int, Call) error {
		return &TransportError{Err: errors.New("dial tcp: connection refused")}
	}}
	c := newTestClient(t, store, sender, staticPolicy(false), func(o *ClientOptions) {
		o.QueueOnTransportError = true
		o.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	})
	resp, err := c.Do(context.Background(), Request{Method: "PUT", URL: "/profile"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Queued {
		t.Fatalf("expected transport failure to fall back to the queue")
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].IdempotencyKey != resp.IdempotencyKey {
		t.Fatalf("expected queued record to reuse the live call's key, got %+v vs %q", calls, resp.IdempotencyKey)
	}
}

func TestClientQueuesWhenCircuitRefusesCall(t *testing.T) {
	store := NewMemoryStore()
	sender := &fakeSender{fn: func(int, Call) error {
		return fmt.Errorf("%w: circuit breaker is open", ErrCircuitOpen)
	}}
	c := newTestClient(t, store, sender, staticPolicy(false), func(o *ClientOptions) { o.QueueOnTransportError = true })
	resp, err := c.Do(context.Background(), Request{Method: "POST", URL: "/orders"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !resp.Queued {
		t.Fatalf("expected refused call to fall back to the queue")
	}
	got, err := store.Get(context.Background(), resp.OperationID)
	if err != nil {
		t.Fatalf("get queued record: %v", err)
	}
	if got.Attempts != 0 {
		t.Fatalf("expected no attempts charged, got %d", got.Attempts)
	}
}

func TestClientDoesNotQueueHTTPErrors(t *testing.T) {
	store := NewMemoryStore()
	sender := &fakeSender{fn: func(int, Call) error {
		return &HTTPError{StatusCode: http.StatusBadRequest}
	}}
	c := newTestClient(t, store, sender, staticPolicy(false), func(o *ClientOptions) { o.QueueOnTransportError = true })
	_, err := c.Do(context.Background(), Request{Method: "POST", URL: "/orders"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTP error to reach caller, got %v", err)
	}
	if count, _ := store.Count(context.Background()); count != 0 {
		t.Fatalf("expected nothing queued for a server response, got %d", count)
	}
}

func TestClientRejectsUnknownMethod(t *testing.T) {
	c := newTestClient(t, NewMemoryStore(), &fakeSender{}, staticPolicy(true), nil)
	if _, err := c.Do(context.Background(), Request{Method: "BREW", URL: "/coffee"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown method, got %v", err)
	}
}
