// Package metrics aggregates completed transactions into a rolling rate and
// day-bounded running totals.
//
// Two views are kept:
//   - a rolling window of recent transactions, used for transactions per minute
//   - the daily totals, backed by a detail list that folds its oldest batch
//     into a running summary once it grows past a threshold
//
// Day boundaries use the local calendar date of the injected clock. Crossing
// midnight resets the daily totals but not the rolling window.
package metrics

import (
	"sync"
	"time"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/money"
)

// Defaults.
const (
	DefaultWindow      = 5 * time.Minute
	DefaultDetailLimit = 1000
	DefaultFoldBatch   = 500
)

// Entry is one completed transaction as seen by the aggregator.
type Entry struct {
	TransactionID string
	CompletedAt   time.Time
	ItemCount     int
	Total         money.Cents
}

// Snapshot is the public metrics view.
type Snapshot struct {
	TransactionsPerMinute  float64     `json:"transactionsPerMinute"`
	AverageCartSize        float64     `json:"averageCartSize"`
	TotalTransactionsToday int         `json:"totalTransactionsToday"`
	TotalRevenueToday      money.Cents `json:"totalRevenueTodayInCents"`
	LastUpdated            time.Time   `json:"lastUpdated"`
}

// summary holds exact totals for detail entries that were folded away.
type summary struct {
	count   int
	items   int
	revenue money.Cents
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu          sync.Mutex
	clock       clock.Clock
	window      time.Duration
	detailLimit int
	foldBatch   int

	recent      []Entry // rolling window, oldest first
	detail      []Entry // today's entries not yet folded, oldest first
	folded      summary
	day         string
	lastUpdated time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets the rolling window duration.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithDetailLimit sets the detail threshold and the fold batch size.
func WithDetailLimit(limit, batch int) Option {
	return func(a *Aggregator) {
		if limit > 0 {
			a.detailLimit = limit
		}
		if batch > 0 {
			a.foldBatch = batch
		}
	}
}

// New creates an aggregator reading time from clk.
func New(clk clock.Clock, opts ...Option) *Aggregator {
	a := &Aggregator{
		clock:       clk,
		window:      DefaultWindow,
		detailLimit: DefaultDetailLimit,
		foldBatch:   DefaultFoldBatch,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.foldBatch > a.detailLimit {
		a.foldBatch = a.detailLimit
	}
	a.day = dayKey(clk.Now())
	return a
}

// Record adds a completed transaction and returns the updated snapshot.
func (a *Aggregator) Record(e Entry) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.rollover(now)
	if e.CompletedAt.IsZero() {
		e.CompletedAt = now
	}

	a.recent = append(a.recent, e)
	if dayKey(e.CompletedAt) == a.day {
		a.detail = append(a.detail, e)
		a.fold()
	}
	a.lastUpdated = now
	return a.snapshotLocked(now)
}

// Replay rebuilds today's totals from previously completed transactions.
// Entries from other days are ignored. Entries inside the rolling window also
// seed the rate. Returns the number of entries counted toward today.
func (a *Aggregator) Replay(entries []Entry) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.rollover(now)

	cutoff := now.Add(-a.window)
	n := 0
	for _, e := range entries {
		if dayKey(e.CompletedAt) != a.day {
			continue
		}
		a.detail = append(a.detail, e)
		if e.CompletedAt.After(cutoff) {
			a.recent = append(a.recent, e)
		}
		n++
		a.fold()
	}
	if n > 0 {
		a.lastUpdated = now
	}
	return n
}

// Snapshot returns the current metrics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.rollover(now)
	return a.snapshotLocked(now)
}

// DetailLen returns the number of unfolded detail entries.
func (a *Aggregator) DetailLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.detail)
}

func (a *Aggregator) snapshotLocked(now time.Time) Snapshot {
	a.prune(now)

	count := a.folded.count + len(a.detail)
	items := a.folded.items
	revenue := a.folded.revenue
	for _, e := range a.detail {
		items += e.ItemCount
		revenue = revenue.Add(e.Total)
	}

	snap := Snapshot{
		TransactionsPerMinute:  float64(len(a.recent)) / a.window.Minutes(),
		TotalTransactionsToday: count,
		TotalRevenueToday:      revenue,
		LastUpdated:            a.lastUpdated,
	}
	if count > 0 {
		snap.AverageCartSize = float64(items) / float64(count)
	}
	return snap
}

// prune drops rolling-window entries older than the window.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.recent) && !a.recent[i].CompletedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		a.recent = append(a.recent[:0], a.recent[i:]...)
	}
}

// rollover resets daily totals when the local date changed.
func (a *Aggregator) rollover(now time.Time) {
	key := dayKey(now)
	if key == a.day {
		return
	}
	a.day = key
	a.detail = nil
	a.folded = summary{}
}

// fold moves the oldest batch of detail into the summary once the detail
// list exceeds its limit.
func (a *Aggregator) fold() {
	if len(a.detail) <= a.detailLimit {
		return
	}
	batch := a.detail[:a.foldBatch]
	for _, e := range batch {
		a.folded.count++
		a.folded.items += e.ItemCount
		a.folded.revenue = a.folded.revenue.Add(e.Total)
	}
	rest := make([]Entry, len(a.detail)-a.foldBatch, a.detailLimit+1)
	copy(rest, a.detail[a.foldBatch:])
	a.detail = rest
}

func dayKey(t time.Time) string {
	return t.Local().Format(time.DateOnly)
}
