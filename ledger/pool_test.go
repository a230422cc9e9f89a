package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meddrop/ledger"
	"meddrop/ledger/ledgertest"
)

func TestPoolReusesIdleHandles(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{MaxOpen: 2, MaxIdle: 1}, nil, nil)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), orderRef)
		require.NoError(t, err)
		lease.Release(nil)
	}
	require.Equal(t, 1, l.Dials())
	require.Equal(t, 0, l.Closes())
}

func TestPoolKeysHandlesByContract(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{}, nil, nil)

	a, err := pool.Acquire(context.Background(), orderRef)
	require.NoError(t, err)
	a.Release(nil)
	b, err := pool.Acquire(context.Background(), ledger.Ref{Channel: "meddrop", Contract: "payment"})
	require.NoError(t, err)
	b.Release(nil)

	require.Equal(t, 2, l.Dials())
}

func TestPoolReconnectPerRequest(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{ReconnectPerRequest: true}, nil, nil)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), orderRef)
		require.NoError(t, err)
		lease.Release(nil)
	}
	require.Equal(t, 3, l.Dials())
	require.Equal(t, 3, l.Closes())
}

func TestPoolNoIdleDialsEveryLease(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{MaxOpen: 2, MaxIdle: ledger.NoIdle}, nil, nil)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), orderRef)
		require.NoError(t, err)
		lease.Release(nil)
	}
	require.Equal(t, 3, l.Dials())
	require.Equal(t, 3, l.Closes())
}

func TestPoolZeroMaxIdleUsesDefault(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{MaxOpen: 2}, nil, nil)

	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background(), orderRef)
		require.NoError(t, err)
		lease.Release(nil)
	}
	require.Equal(t, 1, l.Dials())
	require.Equal(t, 0, l.Closes())
}

func TestPoolDiscardsHandleAfterConnectionError(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{}, nil, nil)

	lease, err := pool.Acquire(context.Background(), orderRef)
	require.NoError(t, err)
	lease.Release(ledger.ErrConnection)
	lease.Release(nil)

	lease, err = pool.Acquire(context.Background(), orderRef)
	require.NoError(t, err)
	lease.Release(nil)

	require.Equal(t, 2, l.Dials())
	require.Equal(t, 1, l.Closes())
}

func TestPoolBoundsOpenHandles(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{MaxOpen: 1}, nil, nil)

	first, err := pool.Acquire(context.Background(), orderRef)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, orderRef)
	require.ErrorIs(t, err, ledger.ErrConnection)

	acquired := make(chan *ledger.Lease, 1)
	go func() {
		lease, err := pool.Acquire(context.Background(), orderRef)
		if err == nil {
			acquired <- lease
		}
	}()
	select {
	case <-acquired:
		t.Fatal("acquired past the MaxOpen bound")
	case <-time.After(30 * time.Millisecond):
	}
	first.Release(nil)

	select {
	case lease := <-acquired:
		lease.Release(nil)
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after release")
	}
}

func TestPoolDialFailureIsConnectionError(t *testing.T) {
	l := ledgertest.New()
	l.FailDial(errors.New("wallet identity missing"))
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{MaxOpen: 1}, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := pool.Acquire(context.Background(), orderRef)
		require.ErrorIs(t, err, ledger.ErrConnection)
		require.Contains(t, err.Error(), "wallet identity missing")
	}
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	l := ledgertest.New()
	pool := ledger.NewPool(l.Dialer(), ledger.PoolConfig{}, nil, nil)

	lease, err := pool.Acquire(context.Background(), orderRef)
	require.NoError(t, err)
	lease.Release(nil)

	require.NoError(t, pool.Close())
	require.Equal(t, 1, l.Closes())

	_, err = pool.Acquire(context.Background(), orderRef)
	require.ErrorIs(t, err, ledger.ErrPoolClosed)
}

func TestPoolRejectsIncompleteRef(t *testing.T) {
	pool := ledger.NewPool(ledgertest.New().Dialer(), ledger.PoolConfig{}, nil, nil)
	_, err := pool.Acquire(context.Background(), ledger.Ref{Channel: "meddrop"})
	require.ErrorIs(t, err, ledger.ErrValidation)
}
