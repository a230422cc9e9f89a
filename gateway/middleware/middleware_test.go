package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meddrop/gateway/journal"
)

func TestRequestIDAssignsAndPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if res.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("expected response header to echo the id")
	}

	given := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, given)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != given {
		t.Fatalf("expected caller id %q, got %q", given, seen)
	}

	req.Header.Set(RequestIDHeader, "not a uuid")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "not a uuid" {
		t.Fatalf("expected malformed id to be replaced")
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	called := false
	handler := CORS(CORSConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodOptions, "/order/place-order", nil))
	if res.Code != http.StatusNoContent || called {
		t.Fatalf("expected preflight to short-circuit, got %d", res.Code)
	}
	if res.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin")
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), TokenHeader) {
		t.Fatalf("expected %s to be an allowed header", TokenHeader)
	}

	restricted := CORS(CORSConfig{AllowedOrigins: []string{"https://meddrop.example"}})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	restricted.ServeHTTP(res, req)
	if res.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected foreign origin to be refused")
	}
}

func TestObservabilityRecordsRoutePattern(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{Enabled: true}, nil)
	router := chi.NewRouter()
	router.Use(obs.Middleware)
	router.Get("/order/get-order-by-id/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/order/get-order-by-id/o-1", nil))
	got := testutil.ToFloat64(obs.requests.WithLabelValues("/order/get-order-by-id/{id}", http.MethodGet, http.StatusText(http.StatusNotFound)))
	if got != 1 {
		t.Fatalf("expected one request recorded under the route pattern, got %v", got)
	}

	res := httptest.NewRecorder()
	obs.MetricsHandler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), "meddrop_requests_total") {
		t.Fatalf("expected metrics exposition to include request counter")
	}
}

func newIdempotentHandler(t *testing.T, status int, calls *atomic.Int32) http.Handler {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"transactionId":"tx-` + string(body) + `"}`))
	}))
}

func post(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/order/place-order", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestIdempotencyReplaysRecordedResponse(t *testing.T) {
	var calls atomic.Int32
	handler := newIdempotentHandler(t, http.StatusOK, &calls)

	first := post(handler, "key-1", "a")
	second := post(handler, "key-1", "a")
	if calls.Load() != 1 {
		t.Fatalf("expected a single execution, got %d", calls.Load())
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of %q, got %d %q", first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}

	if res := post(handler, "key-1", "b"); res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a different body, got %d", res.Code)
	}
	post(handler, "", "a")
	post(handler, "", "a")
	if calls.Load() != 3 {
		t.Fatalf("expected unkeyed requests to always execute, got %d", calls.Load())
	}
}

func TestIdempotencyReleasesUnrecordedOutcomes(t *testing.T) {
	var calls atomic.Int32
	handler := newIdempotentHandler(t, http.StatusBadRequest, &calls)

	post(handler, "key-2", "a")
	post(handler, "key-2", "a")
	if calls.Load() != 2 {
		t.Fatalf("expected a rejected request to be retryable, got %d executions", calls.Load())
	}
}

type blockingStore struct {
	IdempotencyStore
}

func (blockingStore) Reserve(context.Context, string, string) (journal.Reservation, bool, error) {
	return journal.Reservation{}, false, journal.ErrInFlight
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	handler := Idempotency(blockingStore{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run while the key is in flight")
	}))
	if res := post(handler, "key-3", "a"); res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}

func TestIdempotencyRecordsFailureCarryingTransactionID(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	var calls atomic.Int32
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set(TransactionIDHeader, "tx"+strconv.Itoa(int(n)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Blockchain network error","transactionId":"tx` + strconv.Itoa(int(n)) + `"}`))
	}))

	first := post(handler, "k1", `{"orderId":"o-1"}`)
	second := post(handler, "k1", `{"orderId":"o-1"}`)
	if calls.Load() != 1 {
		t.Fatalf("expected a submitted transaction to be recorded, got %d executions", calls.Load())
	}
	if second.Code != http.StatusInternalServerError || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replay of %q, got %d %q", first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestIdempotencyRejectsOversizedBody(t *testing.T) {
	var calls atomic.Int32
	handler := newIdempotentHandler(t, http.StatusOK, &calls)

	res := post(handler, "key-4", strings.Repeat("x", maxIdempotentBody+1))
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected oversized body to be refused before the handler, got %d executions", calls.Load())
	}
	if res := post(handler, "key-4", "a"); res.Code != http.StatusOK {
		t.Fatalf("expected the key to stay usable, got %d", res.Code)
	}
}
