// Package state owns the register's shared state: cart, inventory and
// transaction status.
//
// Every mutation goes through one serialized path. The path clones the
// current state, applies a change to the clone, and on success replaces the
// state with the version incremented by exactly one. Listeners are then
// notified in order while the lock is still held, so every listener sees
// every version and never a partial state. A rejected operation returns a
// *Error and leaves state and version untouched.
//
// Open performs crash recovery before returning, so a Store is never usable
// while a pending ledger entry from a previous run remains.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/id"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/trace"
)

// DefaultTransactionsLimit bounds the transaction list sent with changes.
const DefaultTransactionsLimit = 50

// Ledger is the persistence the Store requires. *ledger.Ledger implements it.
type Ledger interface {
	AppendTransaction(ctx context.Context, rec ledger.TransactionRecord) error
	MarkCompleted(ctx context.Context, id, gatewayID string, at time.Time) error
	RecordFailure(ctx context.Context, id string, retryCount int, lastError string) error
	Void(ctx context.Context, id, reason string) error
	RecoverPending(ctx context.Context, reason string) ([]string, error)
	Transaction(ctx context.Context, id string) (ledger.TransactionRecord, error)
	Transactions(ctx context.Context, limit int) ([]ledger.TransactionRecord, error)
	CompletedSince(ctx context.Context, since time.Time) ([]ledger.TransactionRecord, error)
	Inventory(ctx context.Context) (map[string]int, error)
	SaveInventory(ctx context.Context, inventory map[string]int) error
	Rotate(ctx context.Context, policy ledger.RetentionPolicy, now time.Time) (ledger.ArchiveResult, error)
}

// Deps are the Store's collaborators. Catalog and Ledger are required.
type Deps struct {
	Catalog *catalog.Catalog
	Ledger  Ledger
	Metrics *metrics.Aggregator
	Clock   clock.Clock
	IDs     id.Generator
	Logger  *slog.Logger
	Trace   *trace.Bus

	// TransactionsLimit bounds Change.Transactions. Zero uses the default.
	TransactionsLimit int

	// Retention is applied on Open and after every completed sale. The zero
	// policy never archives.
	Retention ledger.RetentionPolicy
}

// Store is the single source of truth for register state.
type Store struct {
	catalog  *catalog.Catalog
	ledger   Ledger
	metrics  *metrics.Aggregator
	clock    clock.Clock
	ids      id.Generator
	logger   *slog.Logger
	bus      *trace.Bus
	txLimit  int
	recovery []string
	retain   ledger.RetentionPolicy
	archived ledger.ArchiveResult

	mu        sync.Mutex
	state     AppState
	inventory map[string]int
	listeners []listenerEntry
	nextSub   int
	closed    bool
}

type listenerEntry struct {
	id int
	fn Listener
}

// Open builds a Store. Before returning it voids every pending ledger entry
// left by a previous run, merges the stored inventory with the catalog, and
// replays today's completed transactions into the metrics aggregator.
func Open(ctx context.Context, deps Deps) (*Store, error) {
	if deps.Catalog == nil {
		return nil, errors.New("state: catalog is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("state: ledger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.IDs == nil {
		deps.IDs = id.TypeIDGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(deps.Clock)
	}
	if deps.TransactionsLimit <= 0 {
		deps.TransactionsLimit = DefaultTransactionsLimit
	}

	s := &Store{
		catalog: deps.Catalog,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  deps.Logger,
		bus:     deps.Trace,
		txLimit: deps.TransactionsLimit,
		retain:  deps.Retention,
		state:   AppState{Status: StatusIdle, Cart: []CartLine{}},
	}

	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	if err := s.loadInventory(ctx); err != nil {
		return nil, err
	}
	if err := s.replayMetrics(ctx); err != nil {
		return nil, err
	}
	res, err := s.applyRetention(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: rotate ledger: %w", err)
	}
	s.archived = res
	return s, nil
}

// recover voids pending entries from a previous run.
func (s *Store) recover(ctx context.Context) error {
	ids, err := s.ledger.RecoverPending(ctx, ledger.RecoveryReason)
	if err != nil {
		return fmt.Errorf("state: recover pending: %w", err)
	}
	for _, txID := range ids {
		s.logger.Warn("voided interrupted transaction", "transaction_id", txID, "reason", ledger.RecoveryReason)
	}
	if len(ids) > 0 && s.bus.Enabled() {
		s.bus.Emit(trace.Event{
			Type:    trace.EventRecovery,
			Source:  "ledger",
			Payload: map[string]any{"voided": ids, "reason": ledger.RecoveryReason},
		})
	}
	s.recovery = ids
	return nil
}

// loadInventory merges stored counts with the catalog: SKUs missing from
// storage get their initial stock, SKUs no longer in the catalog are dropped.
func (s *Store) loadInventory(ctx context.Context) error {
	stored, err := s.ledger.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("state: load inventory: %w", err)
	}
	merged := make(map[string]int, s.catalog.Len())
	for _, p := range s.catalog.Products() {
		if n, ok := stored[p.SKU]; ok {
			merged[p.SKU] = n
		} else {
			merged[p.SKU] = p.InitialStock
		}
	}
	if !maps.Equal(stored, merged) {
		if err := s.ledger.SaveInventory(ctx, merged); err != nil {
			return fmt.Errorf("state: save merged inventory: %w", err)
		}
	}
	s.inventory = merged
	return nil
}

func (s *Store) replayMetrics(ctx context.Context) error {
	now := s.clock.Now()
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	recs, err := s.ledger.CompletedSince(ctx, startOfDay)
	if err != nil {
		return fmt.Errorf("state: replay metrics: %w", err)
	}
	entries := make([]metrics.Entry, 0, len(recs))
	for _, r := range recs {
		e := metrics.Entry{TransactionID: r.ID, CompletedAt: r.Timestamp, ItemCount: r.ItemCount(), Total: r.Total}
		if r.CompletedAt != nil {
			e.CompletedAt = *r.CompletedAt
		}
		entries = append(entries, e)
	}
	n := s.metrics.Replay(entries)
	if n > 0 {
		s.logger.Info("replayed completed transactions", "count", n)
	}
	return nil
}

// Archived reports what the rotation during Open removed.
func (s *Store) Archived() ledger.ArchiveResult {
	return s.archived
}

// applyRetention archives ledger records beyond the retention policy.
// Metrics are replayed before the first rotation, so archiving never
// changes today's totals.
func (s *Store) applyRetention(ctx context.Context) (ledger.ArchiveResult, error) {
	if s.retain == (ledger.RetentionPolicy{}) {
		return ledger.ArchiveResult{}, nil
	}
	res, err := s.ledger.Rotate(ctx, s.retain, s.clock.Now())
	if err != nil {
		return ledger.ArchiveResult{}, err
	}
	if res.Archived > 0 {
		s.logger.Info("archived transactions", "count", res.Archived, "revenue", res.Revenue)
		if s.bus.Enabled() {
			s.bus.Emit(trace.Event{
				CorrelationID: trace.CorrelationID(ctx),
				Type:          trace.EventLedgerWrite,
				Source:        "ledger",
				Payload:       map[string]any{"op": "rotate", "archived": res.Archived},
			})
		}
	}
	return res, nil
}

// Recovered returns the ids voided by crash recovery during Open.
func (s *Store) Recovered() []string {
	return append([]string(nil), s.recovery...)
}

// Subscribe registers l for every subsequent change. Registration happens
// under the mutation lock, so l observes every version after the current
// one. The returned function unregisters it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addListenerLocked(l)
}

// SubscribeWithSnapshot registers l and returns a change describing the
// current state. Both happen under one lock, so the first notification l
// receives carries the version right after the returned one.
func (s *Store) SubscribeWithSnapshot(ctx context.Context, l Listener) (Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := Change{
		Version:   s.state.Version,
		Op:        "snapshot",
		State:     s.state.Clone(),
		Inventory: maps.Clone(s.inventory),
	}
	txs, err := s.ledger.Transactions(ctx, s.txLimit)
	if err != nil {
		s.logger.Error("read transactions for snapshot", "error", err)
		txs = []ledger.TransactionRecord{}
	}
	current.Transactions = txs
	ms := s.metrics.Snapshot()
	current.Metrics = &ms

	return current, s.addListenerLocked(l)
}

func (s *Store) addListenerLocked(l Listener) func() {
	n := s.nextSub
	s.nextSub++
	s.listeners = append(s.listeners, listenerEntry{id: n, fn: l})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e.id == n {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// mutation is the working copy handed to an operation.
type mutation struct {
	next         AppState
	inventory    map[string]int // replaces the store inventory when non-nil
	transactions bool
	metrics      *metrics.Snapshot
}

// setInventory records a replacement inventory.
func (m *mutation) setInventory(inv map[string]int) { m.inventory = inv }

// mutate is the only path that changes state.
func (s *Store) mutate(ctx context.Context, op string, fn func(m *mutation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	m := &mutation{next: s.state.Clone()}
	if err := fn(m); err != nil {
		return err
	}
	if err := validateTransition(s.state.Status, m.next.Status); err != nil {
		s.logger.Error("rejected illegal transition", "op", op, "error", err)
		return err
	}

	m.next.Version = s.state.Version + 1
	s.state = m.next
	if m.inventory != nil {
		s.inventory = m.inventory
	}

	change := Change{
		Version:       s.state.Version,
		Op:            op,
		CorrelationID: trace.CorrelationID(ctx),
		State:         s.state.Clone(),
		Metrics:       m.metrics,
	}
	if m.inventory != nil {
		change.Inventory = maps.Clone(s.inventory)
	}
	if m.transactions {
		txs, err := s.ledger.Transactions(ctx, s.txLimit)
		if err != nil {
			s.logger.Error("read transactions for change", "op", op, "error", err)
		} else {
			change.Transactions = txs
		}
	}

	if s.bus.Enabled() {
		s.bus.Emit(trace.Event{
			CorrelationID: trace.CorrelationID(ctx),
			Type:          trace.EventStateChanged,
			Source:        "store",
			Payload: map[string]any{
				"op":      op,
				"version": s.state.Version,
				"status":  s.state.Status,
			},
		})
	}

	s.notifyLocked(change)
	return nil
}

func (s *Store) notifyLocked(c Change) {
	for _, e := range s.listeners {
		s.safeNotify(e.fn, c)
	}
}

func (s *Store) safeNotify(l Listener, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", "version", c.Version, "op", c.Op, "panic", r)
		}
	}()
	l(c)
}

// traceLedgerWrite records a ledger write when tracing is enabled.
func (s *Store) traceLedgerWrite(ctx context.Context, op, txID string) {
	if !s.bus.Enabled() {
		return
	}
	s.bus.Emit(trace.Event{
		CorrelationID: trace.CorrelationID(ctx),
		Type:          trace.EventLedgerWrite,
		Source:        "ledger",
		Payload:       map[string]any{"op": op, "transactionId": txID},
	})
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Version returns the current version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Version
}

// Inventory returns a copy of the inventory.
func (s *Store) Inventory() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.inventory)
}

// Transactions returns the most recent ledger records, newest first.
func (s *Store) Transactions(ctx context.Context, limit int) ([]ledger.TransactionRecord, error) {
	txs, err := s.ledger.Transactions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("state: transactions: %w", err)
	}
	return txs, nil
}

// Metrics returns the current metrics snapshot.
func (s *Store) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// Catalog returns the catalog the store prices against.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalog
}
