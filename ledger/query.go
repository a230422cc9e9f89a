package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Shape selects how an evaluation result is decoded.
type Shape int

const (
	// ShapeRecord is a single object.
	ShapeRecord Shape = iota
	// ShapeList is an array of objects.
	ShapeList
	// ShapeHistory is an array of history entries in ledger order.
	ShapeHistory
	// ShapeLatest is the Record of the last history entry.
	ShapeLatest
)

func (s Shape) String() string {
	switch s {
	case ShapeRecord:
		return "record"
	case ShapeList:
		return "list"
	case ShapeHistory:
		return "history"
	case ShapeLatest:
		return "latest"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Query describes a read-only chaincode call.
type Query struct {
	Operation string
	Args      []string
	Shape     Shape
}

// Executor runs evaluations against leased handles.
type Executor struct {
	provider Provider
	codec    *Codec
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// NewExecutor builds an Executor. A nil codec uses NewCodec().
func NewExecutor(provider Provider, codec *Codec, logger *slog.Logger, metrics *Metrics) *Executor {
	if codec == nil {
		codec = NewCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider: provider,
		codec:    codec,
		logger:   logger.With(slog.String("component", "ledger-query")),
		metrics:  metrics,
		tracer:   otel.Tracer("meddrop/ledger"),
	}
}

// Query evaluates q against ref. Chaincode errors and empty results become
// ErrNotFound; transport failures keep ErrConnection.
func (e *Executor) Query(ctx context.Context, ref Ref, q Query) (result any, err error) {
	ctx, span := e.tracer.Start(ctx, "ledger.evaluate", trace.WithAttributes(
		attribute.String("ledger.channel", ref.Channel),
		attribute.String("ledger.contract", ref.Contract),
		attribute.String("ledger.operation", q.Operation),
		attribute.String("ledger.shape", q.Shape.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(Classify(err).Category))
		}
		span.End()
		e.metrics.observeEvaluation(ref, q.Operation, err)
	}()

	lease, err := e.provider.Acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	payload, evalErr := lease.Contract().Evaluate(ctx, q.Operation, q.Args...)
	lease.Release(evalErr)
	if evalErr != nil {
		if IsConnection(evalErr) {
			return nil, evalErr
		}
		e.logger.Debug("evaluate failed",
			slog.String("ref", ref.String()),
			slog.String("operation", q.Operation),
			slog.Any("error", evalErr))
		return nil, fmt.Errorf("%s: %w: %w", q.Operation, ErrNotFound, evalErr)
	}
	return e.decode(q, payload)
}

func (e *Executor) decode(q Query, payload []byte) (any, error) {
	switch q.Shape {
	case ShapeHistory, ShapeLatest:
		entries, err := e.codec.DecodeHistory(payload)
		if err != nil {
			return nil, err
		}
		if q.Shape == ShapeHistory {
			if entries == nil {
				entries = []HistoryEntry{}
			}
			return entries, nil
		}
		latest, ok := Latest(entries)
		if !ok || latest.Record == nil {
			return nil, fmt.Errorf("%s: %w: empty history", q.Operation, ErrNotFound)
		}
		return latest.Record, nil
	default:
		v, err := e.codec.Decode(payload)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("%s: %w: empty result", q.Operation, ErrNotFound)
		}
		return v, nil
	}
}
