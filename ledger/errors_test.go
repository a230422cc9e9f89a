package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category Category
		status   int
	}{
		{"validation", fmt.Errorf("%w: OrderID is required!", ErrValidation), CategoryValidation, http.StatusBadRequest},
		{"not found", fmt.Errorf("GetOrderById: %w", ErrNotFound), CategoryNotFound, http.StatusNotFound},
		{"not found wrapping chaincode error", fmt.Errorf("GetOrderById: %w: %w", ErrNotFound, &RejectedError{Message: "boom"}), CategoryNotFound, http.StatusNotFound},
		{"rejected", Rejected("PlaceOrder", errors.New("MVCC_READ_CONFLICT")), CategoryRejected, http.StatusBadRequest},
		{"connection", connectionError("connect meddrop/order", errors.New("dial tcp: refused")), CategoryConnection, http.StatusInternalServerError},
		{"timeout", &UnconfirmedError{TransactionID: "tx", Err: ErrConfirmationTimeout}, CategoryTimeout, http.StatusGatewayTimeout},
		{"abandoned", &UnconfirmedError{TransactionID: "tx", Err: context.Canceled}, CategoryTimeout, http.StatusGatewayTimeout},
		{"unknown", errors.New("something odd"), CategoryConnection, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Classify(tc.err)
			if out.Category != tc.category {
				t.Fatalf("expected category %s, got %s", tc.category, out.Category)
			}
			if out.HTTPStatus() != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, out.HTTPStatus())
			}
		})
	}
}

func TestRejectedKeepsLedgerMessageVerbatim(t *testing.T) {
	err := Rejected("PlaceOrder", errors.New("  chaincode response 500, order o-1 exists "))
	out := Classify(err)
	if out.Message != "chaincode response 500, order o-1 exists" {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected")
	}
}

func TestRejectedFillsOperationOnce(t *testing.T) {
	inner := &RejectedError{Message: "policy failure"}
	err := Rejected("MakePayment", inner)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError")
	}
	if rejected.Operation != "MakePayment" || rejected.Message != "policy failure" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestConnectionErrorDoesNotDoubleWrap(t *testing.T) {
	base := fmt.Errorf("dial: %w", ErrConnection)
	if got := connectionError("acquire", base); got != base {
		t.Fatalf("expected existing connection error to pass through")
	}
}
