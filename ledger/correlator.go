package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultEventTimeout bounds how long Invoke waits for the confirming event.
const DefaultEventTimeout = 30 * time.Second

// TxState is a step in the life of a submitted transaction.
type TxState string

const (
	StateSubmitted     TxState = "submitted"
	StateAwaitingEvent TxState = "awaiting_event"
	StateConfirmed     TxState = "confirmed"
	StateFailed        TxState = "failed"
	StateTimedOut      TxState = "timed_out"
	StateAbandoned     TxState = "abandoned"
)

// Invocation describes a state-changing chaincode call and the event that
// confirms it.
type Invocation struct {
	Operation string
	Args      []string
	Event     string
}

// Confirmation is the result of a confirmed transaction.
type Confirmation struct {
	TransactionID string
	BlockNumber   uint64
	Event         string
	Payload       []byte
}

// Transition is reported to the Journal on every state change. TransactionID
// is empty for submissions the ledger refused outright.
type Transition struct {
	TransactionID string
	Ref           Ref
	Operation     string
	Event         string
	State         TxState
	BlockNumber   uint64
	Err           error
	At            time.Time
}

// Journal records transaction state changes.
type Journal interface {
	Record(ctx context.Context, t Transition) error
}

// Publisher forwards confirmations to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ref Ref, c Confirmation) error
}

// PendingTransaction is one submission awaiting its event. It is resolved at
// most once.
type PendingTransaction struct {
	ID            string
	ExpectedEvent string
	SubmittedAt   time.Time

	result chan Confirmation
	once   sync.Once
}

func (p *PendingTransaction) resolve(c Confirmation) bool {
	resolved := false
	p.once.Do(func() {
		p.result <- c
		resolved = true
	})
	return resolved
}

// Correlator submits transactions and pairs each with its confirming event.
type Correlator struct {
	provider  Provider
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	journal   Journal
	publisher Publisher
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingTransaction
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithEventTimeout overrides DefaultEventTimeout.
func WithEventTimeout(d time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) CorrelatorOption {
	return func(c *Correlator) { c.metrics = m }
}

func WithJournal(j Journal) CorrelatorOption {
	return func(c *Correlator) { c.journal = j }
}

func WithPublisher(p Publisher) CorrelatorOption {
	return func(c *Correlator) { c.publisher = p }
}

func WithClock(now func() time.Time) CorrelatorOption {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCorrelator returns a Correlator drawing handles from provider.
func NewCorrelator(provider Provider, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		provider: provider,
		timeout:  DefaultEventTimeout,
		logger:   slog.Default(),
		tracer:   otel.Tracer("meddrop/ledger"),
		now:      time.Now,
		pending:  make(map[string]*PendingTransaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "ledger-correlator"))
	return c
}

// Invoke submits inv against ref and waits for the matching event. Success
// is only reported once an event named inv.Event carrying the submitted
// transaction's id has been observed.
//
// A submit failure returns a RejectedError (or an ErrConnection error when the
// ledger was unreachable). Once the ledger has assigned a transaction id,
// failures are reported as *UnconfirmedError, including commit status
// failures raised by Submit itself: the write may still commit and is not
// retried.
func (c *Correlator) Invoke(ctx context.Context, ref Ref, inv Invocation) (conf Confirmation, err error) {
	if strings.TrimSpace(inv.Operation) == "" {
		return Confirmation{}, fmt.Errorf("%w: operation required", ErrValidation)
	}
	if strings.TrimSpace(inv.Event) == "" {
		return Confirmation{}, fmt.Errorf("%w: confirming event required for %s", ErrValidation, inv.Operation)
	}

	ctx, span := c.tracer.Start(ctx, "ledger.invoke", trace.WithAttributes(
		attribute.String("ledger.channel", ref.Channel),
		attribute.String("ledger.contract", ref.Contract),
		attribute.String("ledger.operation", inv.Operation),
		attribute.String("ledger.event", inv.Event),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(Classify(err).Category))
		} else {
			span.SetAttributes(attribute.String("ledger.tx_id", conf.TransactionID))
		}
		span.End()
	}()

	lease, err := c.provider.Acquire(ctx, ref)
	if err != nil {
		return Confirmation{}, err
	}
	var leaseErr error
	defer func() { lease.Release(leaseErr) }()
	contract := lease.Contract()

	receipt, err := contract.Submit(ctx, inv.Operation, inv.Args...)
	if err == nil && receipt.TransactionID == "" {
		err = &RejectedError{Message: "ledger returned no transaction id"}
	}
	var unconfirmed *UnconfirmedError
	if errors.As(err, &unconfirmed) && unconfirmed.TransactionID != "" {
		// Accepted for ordering but never settled: the write may still commit.
		span.SetAttributes(attribute.String("ledger.tx_id", unconfirmed.TransactionID))
		return Confirmation{}, c.unsettled(ctx, ref, inv, unconfirmed.TransactionID, err, &leaseErr)
	}
	if err != nil {
		leaseErr = err
		if !IsConnection(err) {
			err = Rejected(inv.Operation, err)
		}
		c.transition(ctx, ref, inv, Transition{State: StateFailed, Err: err})
		c.metrics.observeSubmission(ref, inv.Operation, StateFailed)
		return Confirmation{}, err
	}
	txID := receipt.TransactionID
	span.SetAttributes(attribute.String("ledger.tx_id", txID))
	c.transition(ctx, ref, inv, Transition{TransactionID: txID, State: StateSubmitted, BlockNumber: receipt.BlockNumber})

	pending := c.register(txID, inv.Event)
	defer c.unregister(txID)

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	events, err := contract.Events(waitCtx, receipt.BlockNumber)
	if err != nil {
		leaseErr = err
		err = &UnconfirmedError{TransactionID: txID, Err: connectionError("subscribe "+inv.Event, err)}
		c.transition(ctx, ref, inv, Transition{TransactionID: txID, State: StateFailed, Err: err})
		c.metrics.observeSubmission(ref, inv.Operation, StateFailed)
		return Confirmation{}, err
	}
	c.transition(ctx, ref, inv, Transition{TransactionID: txID, State: StateAwaitingEvent, BlockNumber: receipt.BlockNumber})

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		c.dispatch(waitCtx, events)
	}()

	conf, err = c.await(ctx, waitCtx, pending, streamDone)
	// Let the dispatcher drain before the lease goes back to the pool.
	cancel()
	<-streamDone

	if err != nil {
		return Confirmation{}, c.unsettled(ctx, ref, inv, txID, err, &leaseErr)
	}
	c.metrics.observeConfirmation(ref, inv.Event, c.now().Sub(pending.SubmittedAt))
	c.publish(ctx, ref, conf)
	c.transition(context.WithoutCancel(ctx), ref, inv, Transition{TransactionID: txID, State: StateConfirmed, BlockNumber: conf.BlockNumber})
	c.metrics.observeSubmission(ref, inv.Operation, StateConfirmed)
	return conf, nil
}

// unsettled records a submitted transaction whose outcome was not observed
// and returns err unchanged. Failures other than timeouts and abandonment
// also invalidate the handle through leaseErr.
func (c *Correlator) unsettled(ctx context.Context, ref Ref, inv Invocation, txID string, err error, leaseErr *error) error {
	var state TxState
	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		state = StateTimedOut
	case errors.Is(err, context.Canceled):
		state = StateAbandoned
	default:
		state = StateFailed
		*leaseErr = err
	}
	c.logger.Warn("transaction not confirmed; it may still commit",
		slog.String("tx_id", txID),
		slog.String("ref", ref.String()),
		slog.String("operation", inv.Operation),
		slog.String("state", string(state)),
		slog.Any("error", err))
	c.transition(context.WithoutCancel(ctx), ref, inv, Transition{TransactionID: txID, State: state, Err: err})
	c.metrics.observeSubmission(ref, inv.Operation, state)
	return err
}

func (c *Correlator) await(ctx, waitCtx context.Context, pending *PendingTransaction, streamDone <-chan struct{}) (Confirmation, error) {
	select {
	case conf := <-pending.result:
		return conf, nil
	case <-streamDone:
		select {
		case conf := <-pending.result:
			return conf, nil
		default:
		}
		if waitCtx.Err() == nil {
			return Confirmation{}, &UnconfirmedError{
				TransactionID: pending.ID,
				Err:           fmt.Errorf("%w: event stream closed before %s", ErrConnection, pending.ExpectedEvent),
			}
		}
	case <-waitCtx.Done():
	}
	select {
	case conf := <-pending.result:
		return conf, nil
	default:
	}
	if ctx.Err() != nil {
		return Confirmation{}, &UnconfirmedError{TransactionID: pending.ID, Err: context.Canceled}
	}
	return Confirmation{}, &UnconfirmedError{TransactionID: pending.ID, Err: ErrConfirmationTimeout}
}

// dispatch routes events to the pending transaction they belong to. Events
// for transactions this process is not waiting on are dropped.
func (c *Correlator) dispatch(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.resolve(ev)
		}
	}
}

func (c *Correlator) resolve(ev Event) bool {
	c.mu.Lock()
	pending, ok := c.pending[ev.TransactionID]
	c.mu.Unlock()
	if !ok || pending.ExpectedEvent != ev.Name {
		return false
	}
	return pending.resolve(Confirmation{
		TransactionID: ev.TransactionID,
		BlockNumber:   ev.BlockNumber,
		Event:         ev.Name,
		Payload:       ev.Payload,
	})
}

func (c *Correlator) register(txID, event string) *PendingTransaction {
	p := &PendingTransaction{
		ID:            txID,
		ExpectedEvent: event,
		SubmittedAt:   c.now(),
		result:        make(chan Confirmation, 1),
	}
	c.mu.Lock()
	c.pending[txID] = p
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPending(n)
	return p
}

func (c *Correlator) unregister(txID string) {
	c.mu.Lock()
	delete(c.pending, txID)
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.setPending(n)
}

// Pending reports how many transactions are awaiting their event.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) transition(ctx context.Context, ref Ref, inv Invocation, t Transition) {
	if c.journal == nil {
		return
	}
	t.Ref = ref
	t.Operation = inv.Operation
	t.Event = inv.Event
	t.At = c.now()
	if err := c.journal.Record(ctx, t); err != nil {
		c.logger.Error("journal transition",
			slog.String("tx_id", t.TransactionID),
			slog.String("state", string(t.State)),
			slog.Any("error", err))
	}
}

func (c *Correlator) publish(ctx context.Context, ref Ref, conf Confirmation) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), ref, conf); err != nil {
		c.logger.Warn("publish confirmation",
			slog.String("tx_id", conf.TransactionID),
			slog.String("event", conf.Event),
			slog.Any("error", err))
	}
}
