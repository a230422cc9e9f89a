package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meddrop/ledger"
	"meddrop/ledger/ledgertest"
)

var orderRef = ledger.Ref{Channel: "meddrop", Contract: "order"}

type recordingJournal struct {
	mu          sync.Mutex
	transitions []ledger.Transition
}

func (j *recordingJournal) Record(_ context.Context, t ledger.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return nil
}

func (j *recordingJournal) states(txID string) []ledger.TxState {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []ledger.TxState
	for _, t := range j.transitions {
		if t.TransactionID == txID {
			out = append(out, t.State)
		}
	}
	return out
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []ledger.Confirmation
}

func (p *recordingPublisher) Publish(_ context.Context, _ ledger.Ref, c ledger.Confirmation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, c)
	return nil
}

func newCorrelator(l *ledgertest.Ledger, opts ...ledger.CorrelatorOption) *ledger.Correlator {
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{}, nil, nil)
	return ledger.NewCorrelator(pool, opts...)
}

func TestInvokeReturnsTransactionIDFromEvent(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("PlaceOrder", func([]string) (string, error) { return "tx123", nil })
	l.AutoConfirm("PlaceOrder", "OrderPlaced")
	journal := &recordingJournal{}
	publisher := &recordingPublisher{}
	c := newCorrelator(l, ledger.WithJournal(journal), ledger.WithPublisher(publisher))

	conf, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{
		Operation: "PlaceOrder",
		Args:      []string{"o-1"},
		Event:     "OrderPlaced",
	})
	require.NoError(t, err)
	require.Equal(t, "tx123", conf.TransactionID)
	require.Equal(t, "OrderPlaced", conf.Event)
	require.Equal(t, 0, c.Pending())
	require.Equal(t, []ledger.TxState{
		ledger.StateSubmitted,
		ledger.StateAwaitingEvent,
		ledger.StateConfirmed,
	}, journal.states("tx123"))
	require.Len(t, publisher.sent, 1)
	require.Equal(t, "tx123", publisher.sent[0].TransactionID)
}

func TestInvokeConcurrentSubmissionsDoNotCrossResolve(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("PlaceOrder", func(args []string) (string, error) { return "tx-" + args[0], nil })
	c := newCorrelator(l, ledger.WithEventTimeout(5*time.Second))

	type result struct {
		conf ledger.Confirmation
		err  error
	}
	resultA := make(chan result, 1)
	resultB := make(chan result, 1)
	invoke := func(id string, out chan<- result) {
		conf, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{
			Operation: "PlaceOrder",
			Args:      []string{id},
			Event:     "OrderPlaced",
		})
		out <- result{conf, err}
	}
	go invoke("A", resultA)
	go invoke("B", resultB)

	require.Eventually(t, func() bool { return c.Pending() == 2 && l.Subscribers() == 2 },
		2*time.Second, 5*time.Millisecond)

	l.Emit(orderRef, ledger.Event{Name: "OrderPlaced", TransactionID: "tx-unrelated"})
	l.Emit(orderRef, ledger.Event{Name: "OrderPlaced", TransactionID: "tx-B"})

	b := <-resultB
	require.NoError(t, b.err)
	require.Equal(t, "tx-B", b.conf.TransactionID)

	select {
	case a := <-resultA:
		t.Fatalf("submission A resolved by another transaction's event: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	l.Emit(orderRef, ledger.Event{Name: "OrderPlaced", TransactionID: "tx-A"})
	a := <-resultA
	require.NoError(t, a.err)
	require.Equal(t, "tx-A", a.conf.TransactionID)
	require.Equal(t, 0, c.Pending())
}

func TestInvokeIgnoresOtherEventsForSameTransaction(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("UpdateOrderStatus", func([]string) (string, error) { return "tx-9", nil })
	c := newCorrelator(l)

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{
			Operation: "UpdateOrderStatus",
			Event:     "OrderUpdated",
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return l.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	l.Emit(orderRef, ledger.Event{Name: "FeedBackUpdated", TransactionID: "tx-9"})
	l.Emit(ledger.Ref{Channel: "meddrop", Contract: "payment"}, ledger.Event{Name: "OrderUpdated", TransactionID: "tx-9"})
	select {
	case err := <-done:
		t.Fatalf("resolved by the wrong event: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l.Emit(orderRef, ledger.Event{Name: "OrderUpdated", TransactionID: "tx-9"})
	require.NoError(t, <-done)
}

func TestInvokeSubmitFailureIsRejectedAndNeverAwaits(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("PlaceOrder", func([]string) (string, error) {
		return "", errors.New("endorsement failure: order o-1 already exists")
	})
	journal := &recordingJournal{}
	c := newCorrelator(l, ledger.WithJournal(journal))

	_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "PlaceOrder", Event: "OrderPlaced"})
	require.ErrorIs(t, err, ledger.ErrRejected)

	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "endorsement failure: order o-1 already exists", rejected.Message)

	outcome := ledger.Classify(err)
	require.Equal(t, ledger.CategoryRejected, outcome.Category)
	require.Equal(t, http.StatusBadRequest, outcome.HTTPStatus())
	require.Equal(t, 0, l.Subscribers())
	require.Equal(t, []ledger.TxState{ledger.StateFailed}, journal.states(""))
}

func TestInvokeSubmitWithUnknownCommitStatusKeepsTransactionID(t *testing.T) {
	cases := []struct {
		name     string
		cause    error
		state    ledger.TxState
		category ledger.Category
	}{
		{"status stream lost", fmt.Errorf("%w: commit status stream reset", ledger.ErrConnection), ledger.StateFailed, ledger.CategoryConnection},
		{"status deadline", fmt.Errorf("%w: commit status deadline", ledger.ErrConfirmationTimeout), ledger.StateTimedOut, ledger.CategoryTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := ledgertest.New()
			l.OnSubmit("PlaceOrder", func([]string) (string, error) {
				return "", &ledger.UnconfirmedError{TransactionID: "tx-accepted", Err: tc.cause}
			})
			journal := &recordingJournal{}
			c := newCorrelator(l, ledger.WithJournal(journal))

			_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "PlaceOrder", Event: "OrderPlaced"})
			require.Error(t, err)
			require.False(t, errors.Is(err, ledger.ErrRejected), "an accepted write must not be reported as rejected")

			outcome := ledger.Classify(err)
			require.Equal(t, tc.category, outcome.Category)
			require.Equal(t, "tx-accepted", outcome.TransactionID)
			require.Equal(t, []ledger.TxState{tc.state}, journal.states("tx-accepted"))
			require.Empty(t, journal.states(""))
			require.Equal(t, 0, c.Pending())
			require.Equal(t, 0, l.Subscribers())
			require.Equal(t, []string{"PlaceOrder"}, l.Calls())
		})
	}
}

func TestInvokeTimesOutAndReleasesSubscription(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("MakePayment", func([]string) (string, error) { return "tx-slow", nil })
	journal := &recordingJournal{}
	c := newCorrelator(l, ledger.WithEventTimeout(50*time.Millisecond), ledger.WithJournal(journal))

	_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "MakePayment", Event: "PaymentMade"})
	require.ErrorIs(t, err, ledger.ErrConfirmationTimeout)

	var unconfirmed *ledger.UnconfirmedError
	require.ErrorAs(t, err, &unconfirmed)
	require.Equal(t, "tx-slow", unconfirmed.TransactionID)

	outcome := ledger.Classify(err)
	require.Equal(t, ledger.CategoryTimeout, outcome.Category)
	require.Equal(t, http.StatusGatewayTimeout, outcome.HTTPStatus())
	require.Equal(t, "tx-slow", outcome.TransactionID)

	require.Equal(t, 0, c.Pending())
	require.Eventually(t, func() bool { return l.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, ledger.StateTimedOut, journal.states("tx-slow")[2])
	require.Equal(t, []string{"MakePayment"}, l.Calls(), "a timed out submit must not be retried")
}

func TestInvokeAbandonedWhenCallerGoesAway(t *testing.T) {
	l := ledgertest.New()
	l.OnSubmit("PlaceOrder", func([]string) (string, error) { return "tx-gone", nil })
	journal := &recordingJournal{}
	c := newCorrelator(l, ledger.WithJournal(journal))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, orderRef, ledger.Invocation{Operation: "PlaceOrder", Event: "OrderPlaced"})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	states := journal.states("tx-gone")
	require.Equal(t, ledger.StateAbandoned, states[len(states)-1])
}

func TestInvokeConnectionFailureBeforeSubmit(t *testing.T) {
	l := ledgertest.New()
	l.FailDial(errors.New("identity appUser not found in wallet"))
	c := newCorrelator(l)

	_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "PlaceOrder", Event: "OrderPlaced"})
	require.ErrorIs(t, err, ledger.ErrConnection)
	require.Equal(t, http.StatusInternalServerError, ledger.Classify(err).HTTPStatus())
	require.Empty(t, l.Calls())
}

func TestInvokeEventSubscriptionFailure(t *testing.T) {
	l := ledgertest.New()
	l.FailEvents(errors.New("event service unavailable"))
	c := newCorrelator(l)

	_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "PlaceOrder", Event: "OrderPlaced"})
	require.ErrorIs(t, err, ledger.ErrConnection)

	var unconfirmed *ledger.UnconfirmedError
	require.ErrorAs(t, err, &unconfirmed)
	require.Equal(t, "tx1", unconfirmed.TransactionID)
	require.Equal(t, ledger.CategoryConnection, ledger.Classify(err).Category)
}

func TestInvokeRequiresEventName(t *testing.T) {
	c := newCorrelator(ledgertest.New())
	_, err := c.Invoke(context.Background(), orderRef, ledger.Invocation{Operation: "PlaceOrder"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}
