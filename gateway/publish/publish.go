// Package publish forwards confirmed ledger transactions to Kafka so
// downstream consumers do not have to subscribe to the ledger themselves.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"meddrop/ledger"
)

const defaultQueueSize = 256

var (
	errNotStarted = errors.New("publisher not started")
	errStopped    = errors.New("publisher stopped")
	errQueueFull  = errors.New("publisher queue full")
)

// Config selects the brokers and topic. Publishing is disabled when Brokers
// is empty.
type Config struct {
	Brokers   []string
	Topic     string
	Acks      int
	QueueSize int
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// Message is the JSON value written for every confirmed transaction.
type Message struct {
	TransactionID string          `json:"transactionId"`
	Channel       string          `json:"channel"`
	Contract      string          `json:"contract"`
	Event         string          `json:"event"`
	BlockNumber   uint64          `json:"blockNumber"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ConfirmedAt   time.Time       `json:"confirmedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes confirmations asynchronously through a bounded queue. It
// implements ledger.Publisher; a full queue drops the message with a warning
// rather than holding up the HTTP response.
type Kafka struct {
	cfg    Config
	log    *slog.Logger
	writer messageWriter
	queue  chan kafka.Message
	now    func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafka returns a publisher writing to cfg.Topic on cfg.Brokers.
func NewKafka(cfg Config, log *slog.Logger) (*Kafka, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	acks := kafka.RequireOne
	if cfg.Acks != 0 {
		acks = kafka.RequiredAcks(cfg.Acks)
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           acks,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	return newKafka(cfg, log, writer), nil
}

func newKafka(cfg Config, log *slog.Logger, writer messageWriter) *Kafka {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Kafka{
		cfg:    cfg,
		log:    log.With(slog.String("component", "confirmation_publisher")),
		writer: writer,
		queue:  make(chan kafka.Message, size),
		now:    time.Now,
	}
}

// Start launches the delivery loop.
func (k *Kafka) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.started = true
	k.wg.Add(1)
	go k.run(runCtx)
	k.log.Info("publisher started", slog.String("topic", k.cfg.Topic))
}

// Stop drains queued messages, waiting at most until ctx ends, and closes the
// writer.
func (k *Kafka) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return nil
	}
	k.stopped = true
	cancel := k.cancel
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := k.writer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Publish queues c for delivery keyed by its transaction id.
func (k *Kafka) Publish(_ context.Context, ref ledger.Ref, c ledger.Confirmation) error {
	k.mu.Lock()
	started, stopped := k.started, k.stopped
	k.mu.Unlock()
	switch {
	case stopped:
		return errStopped
	case !started:
		return errNotStarted
	}

	msg := Message{
		TransactionID: c.TransactionID,
		Channel:       ref.Channel,
		Contract:      ref.Contract,
		Event:         c.Event,
		BlockNumber:   c.BlockNumber,
		ConfirmedAt:   k.now().UTC(),
	}
	if json.Valid(c.Payload) {
		msg.Payload = json.RawMessage(c.Payload)
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode confirmation: %w", err)
	}
	select {
	case k.queue <- kafka.Message{Key: []byte(c.TransactionID), Value: value}:
		return nil
	default:
		return errQueueFull
	}
}

func (k *Kafka) run(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			k.drain()
			return
		case msg := <-k.queue:
			k.deliver(ctx, msg)
		}
	}
}

func (k *Kafka) drain() {
	// The run context is already cancelled; give each queued message its own
	// short deadline.
	for {
		select {
		case msg := <-k.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			k.deliver(ctx, msg)
			cancel()
		default:
			return
		}
	}
}

func (k *Kafka) deliver(ctx context.Context, msg kafka.Message) {
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Error("publish confirmation failed", slog.String("tx_id", string(msg.Key)), slog.Any("error", err))
		return
	}
	k.log.Debug("confirmation published", slog.String("tx_id", string(msg.Key)))
}
