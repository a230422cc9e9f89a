package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"meddrop/gateway/middleware"
	"meddrop/ledger"
)

const mutationRequestLimit = 1 << 20 // 1 MiB

const networkErrorMessage = "Blockchain network error"

var errBodyTooLarge = errors.New("request body too large")

// QueryRunner evaluates read-only chaincode calls.
type QueryRunner interface {
	Query(ctx context.Context, ref ledger.Ref, q ledger.Query) (any, error)
}

// Invoker submits transactions and waits for their confirming event.
type Invoker interface {
	Invoke(ctx context.Context, ref ledger.Ref, inv ledger.Invocation) (ledger.Confirmation, error)
}

// ledgerRoutes serves the query and mutation tables of one object.
type ledgerRoutes struct {
	ref       ledger.Ref
	queries   QueryRunner
	mutations Invoker
	logger    *log.Logger
}

// fieldError mirrors the validation error entries clients already parse.
type fieldError struct {
	Param    string `json:"param"`
	Msg      string `json:"msg"`
	Location string `json:"location"`
}

func (lr *ledgerRoutes) mountQueries(r chi.Router, routes []queryRoute) {
	for _, q := range routes {
		handler := lr.query(q)
		if q.Param == "" {
			r.Get(q.Path, handler)
			continue
		}
		// A missing trailing value is answered with a 400, not a 404.
		r.Get(q.Path, handler)
		r.Get(q.Path+"/", handler)
		r.Get(q.Path+"/{"+q.Param+"}", handler)
	}
}

func (lr *ledgerRoutes) mountMutations(r chi.Router, routes []mutationRoute) {
	for _, m := range routes {
		r.Post(m.Path, lr.mutate(m))
	}
}

func (lr *ledgerRoutes) query(q queryRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args []string
		if q.Param != "" {
			value := strings.TrimSpace(chi.URLParam(r, q.Param))
			if value == "" {
				writeError(w, http.StatusBadRequest, q.Field+" is required!")
				return
			}
			args = append(args, value)
		}
		result, err := lr.queries.Query(r.Context(), lr.ref, ledger.Query{
			Operation: q.Operation,
			Args:      args,
			Shape:     q.Shape,
		})
		if err != nil {
			lr.writeLedgerError(w, err, q.NotFound, "")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (lr *ledgerRoutes) mutate(m mutationRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(w, r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeError(w, status, err.Error())
			return
		}
		args, problems := renderArgs(body, m.Fields)
		if len(problems) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": problems})
			return
		}
		conf, err := lr.mutations.Invoke(r.Context(), lr.ref, ledger.Invocation{
			Operation: m.Operation,
			Args:      args,
			Event:     m.Event,
		})
		if err != nil {
			lr.writeLedgerError(w, err, "", m.Action)
			return
		}
		lr.logger.Printf("%s confirmed by %s tx_id=%s", m.Operation, conf.Event, conf.TransactionID)
		w.Header().Set(middleware.TransactionIDHeader, conf.TransactionID)
		writeJSON(w, http.StatusOK, map[string]string{"transactionId": conf.TransactionID})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, mutationRequestLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("unable to read request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// renderArgs converts the required fields to chaincode arguments in order,
// collecting every missing field.
func renderArgs(body map[string]any, fields []string) ([]string, []fieldError) {
	args := make([]string, 0, len(fields))
	var problems []fieldError
	for _, field := range fields {
		arg, ok := renderArg(body[field])
		if !ok {
			problems = append(problems, fieldError{Param: field, Msg: field + " is required!", Location: "body"})
			continue
		}
		args = append(args, arg)
	}
	return args, problems
}

// renderArg reports false for values that count as missing: null, "" and
// empty arrays or objects.
func renderArg(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case []any:
		if len(val) == 0 {
			return "", false
		}
	case map[string]any:
		if len(val) == 0 {
			return "", false
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

func (lr *ledgerRoutes) writeLedgerError(w http.ResponseWriter, err error, notFound, action string) {
	outcome := ledger.Classify(err)
	status := outcome.HTTPStatus()
	if outcome.TransactionID != "" {
		w.Header().Set(middleware.TransactionIDHeader, outcome.TransactionID)
	}
	switch outcome.Category {
	case ledger.CategoryNotFound:
		msg := notFound
		if msg == "" {
			msg = outcome.Message
		}
		writeError(w, status, msg)
	case ledger.CategoryRejected:
		if action == "" {
			writeError(w, status, outcome.Message)
			return
		}
		writeError(w, status, fmt.Sprintf("Failed to %s: %s", action, outcome.Message))
	case ledger.CategoryValidation:
		writeError(w, status, outcome.Message)
	case ledger.CategoryTimeout:
		writeJSON(w, status, map[string]string{"error": outcome.Message, "transactionId": outcome.TransactionID})
	default:
		if !errors.Is(err, context.Canceled) {
			lr.logger.Printf("%s: %v", lr.ref, err)
		}
		if outcome.TransactionID != "" {
			writeJSON(w, status, map[string]string{"error": networkErrorMessage, "transactionId": outcome.TransactionID})
			return
		}
		writeError(w, status, networkErrorMessage)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
