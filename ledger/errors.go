package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrConnection          = errors.New("ledger connection error")
	ErrNotFound            = errors.New("ledger record not found")
	ErrValidation          = errors.New("validation failed")
	ErrRejected            = errors.New("ledger rejected transaction")
	ErrConfirmationTimeout = errors.New("timed out waiting for transaction confirmation")
	ErrPoolClosed          = errors.New("ledger pool closed")
)

// Category is the externally visible class of a failure.
type Category string

const (
	CategoryConnection Category = "ConnectionError"
	CategoryNotFound   Category = "NotFound"
	CategoryValidation Category = "ValidationError"
	CategoryRejected   Category = "LedgerRejected"
	CategoryTimeout    Category = "Timeout"
)

// Outcome is the classified form of an error.
type Outcome struct {
	Category      Category
	Message       string
	TransactionID string
}

// HTTPStatus maps the outcome category to a response status.
func (o Outcome) HTTPStatus() int {
	switch o.Category {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryValidation, CategoryRejected:
		return http.StatusBadRequest
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RejectedError carries the ledger's own rejection message verbatim.
type RejectedError struct {
	Operation string
	Message   string
	Err       error
}

func (e *RejectedError) Error() string {
	if e.Operation == "" {
		return e.Message
	}
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Rejected builds a RejectedError for operation from the ledger's error.
func Rejected(operation string, err error) error {
	if err == nil {
		return nil
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		if rejected.Operation == "" {
			return &RejectedError{Operation: operation, Message: rejected.Message, Err: rejected.Err}
		}
		return rejected
	}
	return &RejectedError{Operation: operation, Message: strings.TrimSpace(err.Error()), Err: err}
}

// UnconfirmedError reports a transaction that was submitted but whose
// confirming event was never observed. The write may still commit.
type UnconfirmedError struct {
	TransactionID string
	Err           error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed: %v", e.TransactionID, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// Classify maps any error produced by this package (or its dialers) onto the
// outcome taxonomy. Unknown errors are treated as infrastructure failures.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{}
	}
	var unconfirmed *UnconfirmedError
	if errors.As(err, &unconfirmed) {
		out := Outcome{Category: CategoryTimeout, TransactionID: unconfirmed.TransactionID}
		switch {
		case errors.Is(err, ErrConfirmationTimeout):
			out.Message = "transaction submitted but not confirmed in time; it may still commit"
		case errors.Is(err, context.Canceled):
			out.Message = "confirmation abandoned; the transaction may still commit"
		default:
			out.Category = CategoryConnection
			out.Message = "lost the confirmation stream; the transaction may still commit"
		}
		return out
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) && !errors.Is(err, ErrNotFound) {
		return Outcome{Category: CategoryRejected, Message: rejected.Message}
	}
	switch {
	case errors.Is(err, ErrValidation):
		return Outcome{Category: CategoryValidation, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return Outcome{Category: CategoryNotFound, Message: err.Error()}
	default:
		return Outcome{Category: CategoryConnection, Message: err.Error()}
	}
}

// IsConnection reports whether err should invalidate the handle that produced it.
func IsConnection(err error) bool {
	return err != nil && errors.Is(err, ErrConnection)
}

func connectionError(op string, err error) error {
	if errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
}
