package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"meddrop/ledger"
)

// eventMessage is one contract event as streamed to websocket clients.
type eventMessage struct {
	Event         string          `json:"event"`
	TransactionID string          `json:"transactionId"`
	BlockNumber   uint64          `json:"blockNumber"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// streamAcquireTimeout bounds the wait for a stream handle before the
// upgrade is refused.
const streamAcquireTimeout = 2 * time.Second

// eventRoutes streams the contract events of one object over a websocket.
// Each stream holds a handle from provider until the client goes away.
type eventRoutes struct {
	channel  string
	provider ledger.Provider
	wait     time.Duration
	logger   *log.Logger
}

func (er *eventRoutes) mount(r chi.Router) {
	r.Get("/{object}", er.stream)
}

func (er *eventRoutes) stream(w http.ResponseWriter, r *http.Request) {
	object := chi.URLParam(r, "object")
	if !knownObject(object) {
		writeError(w, http.StatusNotFound, "Unknown object "+object)
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("event"))
	ref := ledger.Ref{Channel: er.channel, Contract: object}

	acquireCtx, cancel := context.WithTimeout(r.Context(), er.wait)
	lease, err := er.provider.Acquire(acquireCtx, ref)
	saturated := errors.Is(acquireCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if saturated && r.Context().Err() == nil {
			writeError(w, http.StatusServiceUnavailable, "Too many event streams for "+object)
			return
		}
		er.logger.Printf("events %s: %v", ref, err)
		writeError(w, http.StatusInternalServerError, networkErrorMessage)
		return
	}
	var streamErr error
	defer func() { lease.Release(streamErr) }()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		er.logger.Printf("events %s: accept: %v", ref, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// Reads are discarded; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())
	events, err := lease.Contract().Events(ctx, 0)
	if err != nil {
		streamErr = err
		er.logger.Printf("events %s: subscribe: %v", ref, err)
		conn.Close(websocket.StatusInternalError, networkErrorMessage)
		return
	}
	for ev := range events {
		if filter != "" && ev.Name != filter {
			continue
		}
		if err := wsjson.Write(ctx, conn, toEventMessage(ev)); err != nil {
			if !errors.Is(err, context.Canceled) {
				er.logger.Printf("events %s: write: %v", ref, err)
			}
			return
		}
	}
	if ctx.Err() == nil {
		streamErr = ledger.ErrConnection
		conn.Close(websocket.StatusGoingAway, "event stream closed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func toEventMessage(ev ledger.Event) eventMessage {
	msg := eventMessage{Event: ev.Name, TransactionID: ev.TransactionID, BlockNumber: ev.BlockNumber}
	if len(ev.Payload) > 0 && json.Valid(ev.Payload) {
		msg.Payload = json.RawMessage(ev.Payload)
	}
	return msg
}

func knownObject(object string) bool {
	for _, o := range Objects {
		if o == object {
			return true
		}
	}
	return false
}
