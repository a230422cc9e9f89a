// Package ledgertest provides an in-memory ledger implementing ledger.Contract
// for tests. Evaluations and submissions are scripted per operation; events are
// appended to a block log that subscriptions replay from their start block.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"meddrop/ledger"
)

// EvaluateFunc scripts the response of an evaluation.
type EvaluateFunc func(args []string) ([]byte, error)

// SubmitFunc scripts a submission. It returns the transaction id to report.
type SubmitFunc func(args []string) (string, error)

type loggedEvent struct {
	ref   ledger.Ref
	event ledger.Event
}

// Ledger is a fake ledger shared by every handle it dials.
type Ledger struct {
	mu        sync.Mutex
	evaluate  map[string]EvaluateFunc
	submit    map[string]SubmitFunc
	confirm   map[string]string
	log       []loggedEvent
	block     uint64
	subs      map[*subscription]struct{}
	nextTx    int
	dialErr   error
	eventsErr error
	calls     []string

	dials  atomic.Int64
	closes atomic.Int64
}

type subscription struct {
	notify chan struct{}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		evaluate: make(map[string]EvaluateFunc),
		submit:   make(map[string]SubmitFunc),
		confirm:  make(map[string]string),
		subs:     make(map[*subscription]struct{}),
	}
}

// OnEvaluate scripts operation's evaluation.
func (l *Ledger) OnEvaluate(operation string, fn EvaluateFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evaluate[operation] = fn
}

// Returns scripts operation to evaluate to payload.
func (l *Ledger) Returns(operation, payload string) {
	l.OnEvaluate(operation, func([]string) ([]byte, error) { return []byte(payload), nil })
}

// OnSubmit scripts operation's submission.
func (l *Ledger) OnSubmit(operation string, fn SubmitFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submit[operation] = fn
}

// AutoConfirm makes operation emit event right after every successful submit.
func (l *Ledger) AutoConfirm(operation, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirm[operation] = event
}

// FailDial makes every subsequent dial fail with err.
func (l *Ledger) FailDial(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialErr = err
}

// FailEvents makes every subsequent subscription fail with err.
func (l *Ledger) FailEvents(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eventsErr = err
}

// Emit commits ev to the next block on ref and returns its block number.
func (l *Ledger) Emit(ref ledger.Ref, ev ledger.Event) uint64 {
	l.mu.Lock()
	l.block++
	ev.BlockNumber = l.block
	l.log = append(l.log, loggedEvent{ref: ref, event: ev})
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()
	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return ev.BlockNumber
}

// Calls returns the operations invoked so far, in order.
func (l *Ledger) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Subscribers reports the number of open event subscriptions.
func (l *Ledger) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Dials reports how many handles were established.
func (l *Ledger) Dials() int { return int(l.dials.Load()) }

// Closes reports how many handles were closed.
func (l *Ledger) Closes() int { return int(l.closes.Load()) }

// Dialer returns a ledger.Dialer producing handles bound to this ledger.
func (l *Ledger) Dialer() ledger.Dialer {
	return func(ctx context.Context, ref ledger.Ref) (ledger.Contract, error) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ledger.ErrConnection, err)
		}
		l.mu.Lock()
		err := l.dialErr
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		l.dials.Add(1)
		return &Handle{ledger: l, ref: ref}, nil
	}
}

// Handle is a contract handle bound to one Ref.
type Handle struct {
	ledger *Ledger
	ref    ledger.Ref
	closed atomic.Bool
}

func (h *Handle) Evaluate(ctx context.Context, operation string, args ...string) ([]byte, error) {
	l := h.ledger
	l.mu.Lock()
	l.calls = append(l.calls, operation)
	fn, ok := l.evaluate[operation]
	l.mu.Unlock()
	if !ok {
		return nil, &ledger.RejectedError{Message: fmt.Sprintf("function %s not found in contract %s", operation, h.ref.Contract)}
	}
	return fn(args)
}

func (h *Handle) Submit(ctx context.Context, operation string, args ...string) (ledger.Receipt, error) {
	l := h.ledger
	l.mu.Lock()
	l.calls = append(l.calls, operation)
	fn, ok := l.submit[operation]
	event := l.confirm[operation]
	l.nextTx++
	fallbackID := fmt.Sprintf("tx%d", l.nextTx)
	block := l.block + 1
	l.mu.Unlock()

	txID := fallbackID
	if ok {
		id, err := fn(args)
		if err != nil {
			return ledger.Receipt{}, err
		}
		if id != "" {
			txID = id
		}
	}
	if event != "" {
		block = l.Emit(h.ref, ledger.Event{Name: event, TransactionID: txID, Payload: []byte(`{}`)})
	}
	return ledger.Receipt{TransactionID: txID, BlockNumber: block}, nil
}

func (h *Handle) Events(ctx context.Context, fromBlock uint64) (<-chan ledger.Event, error) {
	l := h.ledger
	l.mu.Lock()
	if err := l.eventsErr; err != nil {
		l.mu.Unlock()
		return nil, err
	}
	sub := &subscription{notify: make(chan struct{}, 1)}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	out := make(chan ledger.Event)
	go func() {
		defer close(out)
		defer func() {
			l.mu.Lock()
			delete(l.subs, sub)
			l.mu.Unlock()
		}()
		cursor := 0
		for {
			l.mu.Lock()
			batch := make([]ledger.Event, 0, len(l.log)-cursor)
			for _, entry := range l.log[cursor:] {
				if entry.ref == h.ref && entry.event.BlockNumber >= fromBlock {
					batch = append(batch, entry.event)
				}
			}
			cursor = len(l.log)
			l.mu.Unlock()
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close marks the handle closed.
func (h *Handle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.ledger.closes.Add(1)
	}
	return nil
}
