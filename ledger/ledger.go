// Package ledger bridges HTTP handlers to chaincode calls. It separates read-only
// evaluations from submitted transactions, waits for the contract event that
// confirms a submitted transaction, unwraps the double-encoded records returned
// by the chaincode and classifies failures into HTTP outcomes.
package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Ref identifies a contract deployed on a channel.
type Ref struct {
	Channel  string
	Contract string
}

func (r Ref) String() string {
	return r.Channel + "/" + r.Contract
}

// Validate reports whether both halves of the reference are set.
func (r Ref) Validate() error {
	if strings.TrimSpace(r.Channel) == "" {
		return fmt.Errorf("%w: channel required", ErrValidation)
	}
	if strings.TrimSpace(r.Contract) == "" {
		return fmt.Errorf("%w: contract required", ErrValidation)
	}
	return nil
}

// Receipt acknowledges a submitted transaction. BlockNumber is the block the
// transaction was committed in; the confirming event is read from there on.
type Receipt struct {
	TransactionID string
	BlockNumber   uint64
}

// Event is a contract event emitted by a committed transaction.
type Event struct {
	Name          string
	TransactionID string
	BlockNumber   uint64
	Payload       []byte
}

// Contract is the narrow capability the gateway needs from a chaincode.
//
// Submit returning without error only means the ledger accepted the
// transaction; callers must wait for the contract event before reporting
// success. Events opens a subscription starting at fromBlock (zero means the
// next block). The returned channel is closed when ctx is done or the
// underlying stream ends.
type Contract interface {
	Evaluate(ctx context.Context, operation string, args ...string) ([]byte, error)
	Submit(ctx context.Context, operation string, args ...string) (Receipt, error)
	Events(ctx context.Context, fromBlock uint64) (<-chan Event, error)
}

// Dialer establishes a new contract handle. Implementations may block on
// network I/O and must return errors wrapping ErrConnection when the identity
// is missing or the network cannot be reached.
type Dialer func(ctx context.Context, ref Ref) (Contract, error)

// Provider hands out leased contract handles.
type Provider interface {
	Acquire(ctx context.Context, ref Ref) (*Lease, error)
}
