package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"meddrop/gateway/journal"
)

// IdempotencyHeader names the client-chosen key that deduplicates retries.
const IdempotencyHeader = "Idempotency-Key"

// ReplayHeader is set on responses served from a recorded outcome.
const ReplayHeader = "Idempotent-Replay"

// TransactionIDHeader is set by handlers on every response that follows a
// submission the ledger accepted, whatever its status. Such responses are
// always recorded against their key.
const TransactionIDHeader = "X-Transaction-Id"

const maxIdempotentBody = 1 << 20

// IdempotencyStore records the outcome of keyed requests.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, fingerprint string) (journal.Reservation, bool, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

// Idempotency runs a keyed request at most once. A retry with the same key
// and body replays the recorded response; a different body under the same
// key, or a retry while the first attempt runs, is a conflict. Outcomes that
// never reached the ledger (validation, rejection, unreachable network) are
// not recorded so the client can retry them. Bodies over 1 MiB are refused
// with 413.
func Idempotency(store IdempotencyStore, logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
					return
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read request body"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			res, owner, err := store.Reserve(r.Context(), key, journal.Fingerprint(r.Method, r.URL.Path, body))
			switch {
			case errors.Is(err, journal.ErrKeyConflict):
				writeJSON(w, http.StatusConflict, map[string]string{"error": "Idempotency-Key already used for a different request"})
				return
			case errors.Is(err, journal.ErrInFlight):
				writeJSON(w, http.StatusConflict, map[string]string{"error": "A request with this Idempotency-Key is still in progress"})
				return
			case err != nil:
				logger.Printf("idempotency: reserve failed: %v", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Blockchain network error"})
				return
			case !owner:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(res.Status)
				_, _ = w.Write(res.Body)
				return
			}

			recorder := &bodyRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			ctx := context.WithoutCancel(r.Context())
			if recordable(recorder.status(), recorder.Header()) {
				if err := store.Complete(ctx, key, recorder.status(), recorder.buf.Bytes()); err != nil {
					logger.Printf("idempotency: complete %s failed: %v", key, err)
				}
				return
			}
			if err := store.Release(ctx, key); err != nil {
				logger.Printf("idempotency: release %s failed: %v", key, err)
			}
		})
	}
}

// recordable reports whether the response reflects a transaction that reached
// the ledger: confirmed, or submitted and possibly committed. A transaction id
// header marks the latter even on a 500.
func recordable(status int, header http.Header) bool {
	if header.Get(TransactionIDHeader) != "" {
		return true
	}
	return status/100 == 2 || status == http.StatusGatewayTimeout
}

type bodyRecorder struct {
	http.ResponseWriter
	code int
	buf  bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	b.buf.Write(p)
	return b.ResponseWriter.Write(p)
}

func (b *bodyRecorder) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
