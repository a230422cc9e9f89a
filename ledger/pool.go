package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	defaultMaxOpen = 16
	defaultMaxIdle = 4
)

// NoIdle as PoolConfig.MaxIdle keeps no handle for reuse: every lease is
// dialed fresh and closed on release.
const NoIdle = -1

// PoolConfig bounds the handles kept per contract.
type PoolConfig struct {
	// MaxOpen caps live handles per contract; Acquire waits once reached.
	MaxOpen int
	// MaxIdle caps handles kept for reuse per contract. Zero picks the default
	// and NoIdle (any negative value) disables reuse.
	MaxIdle int
	// ReconnectPerRequest dials on every Acquire and closes on every Release.
	ReconnectPerRequest bool
}

// Pool is a bounded Provider keyed by channel and contract.
type Pool struct {
	dial    Dialer
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	slots  map[Ref]*slot
	closed bool
}

type slot struct {
	sem  chan struct{}
	idle []Contract
}

// Lease is a handle checked out of the pool. Release must be called exactly
// once per lease; additional calls are ignored.
type Lease struct {
	pool     *Pool
	ref      Ref
	slot     *slot
	contract Contract
	once     sync.Once
}

// NewPool returns a pool that dials handles through dial.
func NewPool(dial Dialer, cfg PoolConfig, logger *slog.Logger, metrics *Metrics) *Pool {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = defaultMaxOpen
	}
	switch {
	case cfg.MaxIdle < 0:
		cfg.MaxIdle = 0
	case cfg.MaxIdle == 0 && !cfg.ReconnectPerRequest:
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.MaxIdle > cfg.MaxOpen {
		cfg.MaxIdle = cfg.MaxOpen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dial:    dial,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ledger-pool")),
		metrics: metrics,
		slots:   make(map[Ref]*slot),
	}
}

// Acquire returns a leased handle for ref, reusing an idle one when possible.
// It blocks while MaxOpen handles are leased and fails with ErrConnection when
// ctx ends first or the dial fails.
func (p *Pool) Acquire(ctx context.Context, ref Ref) (*Lease, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	s, err := p.slotFor(ref)
	if err != nil {
		return nil, err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, connectionError(fmt.Sprintf("acquire %s", ref), ctx.Err())
	}
	if contract := p.popIdle(s); contract != nil {
		p.metrics.addLease(ref, 1)
		return &Lease{pool: p, ref: ref, slot: s, contract: contract}, nil
	}
	contract, err := p.dial(ctx, ref)
	p.metrics.observeDial(ref, err)
	if err != nil {
		<-s.sem
		p.logger.Warn("ledger dial failed", slog.String("ref", ref.String()), slog.Any("error", err))
		return nil, connectionError(fmt.Sprintf("connect %s", ref), err)
	}
	p.metrics.addLease(ref, 1)
	return &Lease{pool: p, ref: ref, slot: s, contract: contract}, nil
}

// Close closes idle handles and rejects later Acquire calls. Leased handles
// are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var idle []Contract
	for _, s := range p.slots {
		idle = append(idle, s.idle...)
		s.idle = nil
	}
	p.mu.Unlock()
	var firstErr error
	for _, c := range idle {
		if err := closeContract(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) slotFor(ref Ref) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	s, ok := p.slots[ref]
	if !ok {
		s = &slot{sem: make(chan struct{}, p.cfg.MaxOpen)}
		p.slots[ref] = s
	}
	return s, nil
}

func (p *Pool) popIdle(s *slot) Contract {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(s.idle)
	if n == 0 {
		return nil
	}
	c := s.idle[n-1]
	s.idle = s.idle[:n-1]
	return c
}

func (p *Pool) release(l *Lease, err error) {
	defer func() { <-l.slot.sem }()
	p.metrics.addLease(l.ref, -1)

	p.mu.Lock()
	keep := !p.closed && !p.cfg.ReconnectPerRequest && !IsConnection(err) && len(l.slot.idle) < p.cfg.MaxIdle
	if keep {
		l.slot.idle = append(l.slot.idle, l.contract)
	}
	p.mu.Unlock()
	if keep {
		return
	}
	if cerr := closeContract(l.contract); cerr != nil {
		p.logger.Debug("close contract handle", slog.String("ref", l.ref.String()), slog.Any("error", cerr))
	}
}

// Contract returns the leased handle.
func (l *Lease) Contract() Contract {
	return l.contract
}

// Release returns the handle to the pool. A connection-class err discards the
// handle instead of keeping it for reuse.
func (l *Lease) Release(err error) {
	if l == nil {
		return
	}
	l.once.Do(func() { l.pool.release(l, err) })
}

func closeContract(c Contract) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
