package raincheck

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store/memory"
	"github.com/nimburion/raincheck/pkg/transport"
)

// The endpoint fails three times and then recovers. The first failure comes from the
// direct send; the remaining ones are absorbed by draining the queue.
func TestEndToEnd_FailThenRecover(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost || r.URL.Path != "/" || string(body) != `{"id":123}` {
			t.Errorf("unexpected replayed request %s %s %s", r.Method, r.URL.Path, body)
		}
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	t.Cleanup(server.Close)

	log := logger.NewNop()
	client, err := transport.NewHTTPClient(transport.HTTPClientConfig{BaseURL: server.URL}, log)
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	lists := memory.NewListStore()
	dispatcher, err := NewDispatcher(client, lists, log, DefaultConfig())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	drainer, err := NewDrainer(dispatcher, log)
	if err != nil {
		t.Fatalf("NewDrainer() error = %v", err)
	}

	params := Params{
		ID:             "testRequest",
		QueueKey:       "testQueue",
		RetryInMsecs:   0,
		ExpiresInMsecs: 9_999_999,
	}
	req := transport.Request{Method: http.MethodPost, Path: "/", Body: []byte(`{"id":123}`)}

	result, err := dispatcher.Send(context.Background(), req, params, nil, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.OK() || result.StatusCode() != http.StatusInternalServerError {
		t.Fatalf("expected the direct send to fail with 500, got %+v", result)
	}
	if got := len(lists.Snapshot("testQueue")); got != 1 {
		t.Fatalf("expected one queued rain check, got %d", got)
	}

	var callbacks int
	var payload struct {
		Status string `json:"status"`
	}
	var callbackParams Params
	onSuccess := func(_ context.Context, res *transport.Result, p Params) error {
		callbacks++
		callbackParams = p
		return res.Response.DecodeJSON(&payload)
	}

	for i := 1; i <= 3; i++ {
		more, err := drainer.ConsumeOne(context.Background(), "testQueue", onSuccess)
		if err != nil {
			t.Fatalf("ConsumeOne() #%d error = %v", i, err)
		}
		if !more {
			t.Fatalf("ConsumeOne() #%d returned false, want true", i)
		}
		if i < 3 && callbacks != 0 {
			t.Fatalf("callback ran before the endpoint recovered (step %d)", i)
		}
	}

	if callbacks != 1 {
		t.Fatalf("expected exactly one success callback, got %d", callbacks)
	}
	if callbackParams.ID != "testRequest" || callbackParams.QueueKey != "testQueue" {
		t.Fatalf("expected original params in callback, got %+v", callbackParams)
	}
	if payload.Status != "OK" {
		t.Fatalf("expected success payload, got %+v", payload)
	}
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests to the endpoint, got %d", hits.Load())
	}

	more, err := drainer.ConsumeOne(context.Background(), "testQueue", onSuccess)
	if err != nil || more {
		t.Fatalf("ConsumeOne() on drained queue = %v, %v; want false, nil", more, err)
	}
}

func TestEndToEnd_StoredRequestIsReplayedVerbatim(t *testing.T) {
	type seen struct {
		method, path, query, header, body string
	}
	var requests []seen
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, seen{r.Method, r.URL.Path, r.URL.Query().Get("page"), r.Header.Get("X-Tenant"), string(body)})
		if len(requests) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	log := logger.NewNop()
	client, err := transport.NewHTTPClient(transport.HTTPClientConfig{BaseURL: server.URL}, log)
	if err != nil {
		t.Fatal(err)
	}
	lists := memory.NewListStore()
	dispatcher, _ := NewDispatcher(client, lists, log, DefaultConfig())
	drainer, _ := NewDrainer(dispatcher, log)

	body, _ := json.Marshal(map[string]any{"order": 7, "note": "<fragile>"})
	req := transport.Request{
		Method:  http.MethodPut,
		Path:    "/orders/7",
		Query:   map[string]string{"page": "2"},
		Headers: map[string]string{"X-Tenant": "acme"},
		Body:    body,
	}
	if _, err := dispatcher.Send(context.Background(), req, Params{QueueKey: "orders", ExpiresInMsecs: 60_000}, nil, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := drainer.ConsumeOne(context.Background(), "orders", nil); err != nil {
		t.Fatalf("ConsumeOne() error = %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("expected original and replayed request, got %d", len(requests))
	}
	if requests[0] != requests[1] {
		t.Fatalf("replayed request differs:\noriginal %+v\nreplayed %+v", requests[0], requests[1])
	}
}
