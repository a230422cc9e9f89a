package routes

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"meddrop/gateway/journal"
)

// TransactionLookup reads journaled transaction states.
type TransactionLookup interface {
	Transaction(ctx context.Context, txID string) (journal.Entry, error)
}

// transactionsRoutes reports what became of submitted transactions, including
// those whose confirmation the client never received.
type transactionsRoutes struct {
	lookup TransactionLookup
	logger *log.Logger
}

func (tr *transactionsRoutes) mount(r chi.Router) {
	r.Get("/{txId}", tr.get)
}

func (tr *transactionsRoutes) get(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txId"))
	if txID == "" {
		writeError(w, http.StatusBadRequest, "TransactionID is required!")
		return
	}
	entry, err := tr.lookup.Transaction(r.Context(), txID)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transaction Not Found")
	case err != nil:
		tr.logger.Printf("transactions: lookup %s: %v", txID, err)
		writeError(w, http.StatusInternalServerError, "Journal unavailable")
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}
