// Package journal persists the lifecycle of submitted ledger transactions and
// the idempotency keys that map client retries onto them.
package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"lukechampine.com/blake3"

	"meddrop/ledger"
)

const (
	txKeyPrefix       = "tx:"
	idemKeyPrefix     = "idem:"
	observedKeyPrefix = "observed:"
)

var (
	// ErrNotFound is returned when no entry exists for a transaction or key.
	ErrNotFound = errors.New("journal: not found")
	// ErrKeyConflict means an idempotency key was reused with a different request.
	ErrKeyConflict = errors.New("journal: idempotency key reused with a different request")
	// ErrInFlight means the request owning an idempotency key has not finished.
	ErrInFlight = errors.New("journal: request with this idempotency key is still in progress")
)

// StateChange is one step of an entry's history.
type StateChange struct {
	State ledger.TxState `json:"state"`
	At    time.Time      `json:"at"`
	Error string         `json:"error,omitempty"`
}

// Entry is the journaled view of a submitted transaction.
type Entry struct {
	TransactionID string         `json:"transactionId"`
	Channel       string         `json:"channel"`
	Contract      string         `json:"contract"`
	Operation     string         `json:"operation"`
	Event         string         `json:"event"`
	State         ledger.TxState `json:"state"`
	BlockNumber   uint64         `json:"blockNumber,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	History       []StateChange  `json:"history"`
}

// Reservation is the recorded outcome of an idempotent request. Status is
// zero while the request is still running.
type Reservation struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Pending reports whether the owning request has not completed yet.
func (r Reservation) Pending() bool { return r.Status == 0 }

// Store is a LevelDB-backed journal. It implements ledger.Journal.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Open opens (or creates) the journal database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "journal")), now: time.Now}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record applies a transaction state transition. Submissions refused before
// the ledger assigned an id carry nothing to key on and are skipped.
func (s *Store) Record(ctx context.Context, t ledger.Transition) error {
	if t.TransactionID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	at := t.At.UTC()
	if at.IsZero() {
		at = s.now().UTC()
	}
	change := StateChange{State: t.State, At: at}
	if t.Err != nil {
		change.Error = t.Err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(txKeyPrefix + t.TransactionID)
	var entry Entry
	batch := new(leveldb.Batch)
	err := s.get(key, &entry)
	switch {
	case errors.Is(err, ErrNotFound):
		entry = Entry{
			TransactionID: t.TransactionID,
			Channel:       t.Ref.Channel,
			Contract:      t.Ref.Contract,
			Operation:     t.Operation,
			Event:         t.Event,
			CreatedAt:     at,
		}
		batch.Put([]byte(observedKey(at.UnixNano(), string(key))), nil)
	case err != nil:
		return err
	}
	entry.State = t.State
	entry.Error = change.Error
	entry.UpdatedAt = at
	if t.BlockNumber > 0 {
		entry.BlockNumber = t.BlockNumber
	}
	entry.History = append(entry.History, change)

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	batch.Put(key, raw)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record transaction %s: %w", t.TransactionID, err)
	}
	return nil
}

// Transaction returns the journaled entry for txID.
func (s *Store) Transaction(ctx context.Context, txID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := s.get([]byte(txKeyPrefix+strings.TrimSpace(txID)), &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Fingerprint identifies a request body for idempotency checks.
func Fingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims key for a request with fingerprint. It returns true when the
// caller owns the key and must run the request. Otherwise the existing
// reservation is returned: completed ones for replay, ErrInFlight while the
// owner runs, ErrKeyConflict when the fingerprints differ.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string) (Reservation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, false, fmt.Errorf("idempotency key required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbKey := []byte(idemKeyPrefix + key)
	var existing Reservation
	err := s.get(dbKey, &existing)
	switch {
	case err == nil:
		if existing.Fingerprint != fingerprint {
			return existing, false, ErrKeyConflict
		}
		if existing.Pending() {
			return existing, false, ErrInFlight
		}
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return Reservation{}, false, err
	}

	res := Reservation{Key: key, Fingerprint: fingerprint, CreatedAt: s.now().UTC()}
	raw, err := json.Marshal(res)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("encode reservation: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(dbKey, raw)
	batch.Put([]byte(observedKey(res.CreatedAt.UnixNano(), string(dbKey))), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return Reservation{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return res, true, nil
}

// Complete stores the response of the request owning key.
func (s *Store) Complete(ctx context.Context, key string, status int, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if status == 0 {
		return fmt.Errorf("complete idempotency key: status required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dbKey := []byte(idemKeyPrefix + strings.TrimSpace(key))
	var res Reservation
	if err := s.get(dbKey, &res); err != nil {
		return err
	}
	res.Status = status
	res.Body = append([]byte(nil), body...)
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	if err := s.db.Put(dbKey, raw, nil); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a pending reservation so the client may retry the request.
// Completed reservations are kept.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dbKey := []byte(idemKeyPrefix + strings.TrimSpace(key))
	var res Reservation
	if err := s.get(dbKey, &res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !res.Pending() {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(dbKey)
	batch.Delete([]byte(observedKey(res.CreatedAt.UnixNano(), string(dbKey))))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Prune deletes transactions and idempotency keys created before cutoff and
// returns how many records were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))

	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if string(iter.Key()) >= string(cutoffKey) {
			break
		}
		target, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(target))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate journal index: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("prune journal: %w", err)
		}
	}
	return removed, nil
}

// RunPruner prunes records older than retention every interval until ctx ends.
func (s *Store) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(ctx, s.now().Add(-retention))
			if err != nil {
				s.logger.Warn("journal prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				s.logger.Info("journal pruned", slog.Int("removed", removed))
			}
		}
	}
}

func (s *Store) get(key []byte, v any) error {
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func observedKey(nanos int64, target string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, target)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}
