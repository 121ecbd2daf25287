// Package trace provides a lazily activated, in-process event recorder.
//
// While nothing is subscribed the bus is inactive: Emit returns immediately,
// and callers building expensive payloads should guard with Enabled first.
// Once a listener attaches, events go into a fixed-capacity ring buffer
// (oldest dropped first) and are fanned out synchronously to listeners.
package trace

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/id"
)

// Defaults.
const (
	DefaultCapacity      = 1000
	DefaultStatsWindow   = 10 * time.Second
	DefaultStatsInterval = time.Second
)

// Listener receives every recorded event.
type Listener func(Event)

// StatsListener receives throttled statistics.
type StatsListener func(Stats)

// Bus records trace events. The zero value is not usable; call New.
type Bus struct {
	active atomic.Bool

	mu             sync.Mutex
	clock          clock.Clock
	ids            id.TokenGenerator
	logger         *slog.Logger
	capacity       int
	statsWindow    time.Duration
	statsInterval  time.Duration
	ring           []Event
	head           int // next write slot
	size           int
	dropped        int
	nextSub        int
	listeners      map[int]Listener
	statsListeners map[int]StatsListener
	lastStatsPush  time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the ring buffer capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithStatsWindow sets the rolling window used for events per second.
func WithStatsWindow(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.statsWindow = d
		}
	}
}

// WithStatsInterval sets the minimum interval between stats pushes.
func WithStatsInterval(d time.Duration) Option {
	return func(b *Bus) { b.statsInterval = d }
}

// WithIDGenerator sets the event id source.
func WithIDGenerator(g id.TokenGenerator) Option {
	return func(b *Bus) { b.ids = g }
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an inactive bus.
func New(clk clock.Clock, opts ...Option) *Bus {
	b := &Bus{
		clock:          clk,
		ids:            id.UUIDGenerator{},
		logger:         slog.Default(),
		capacity:       DefaultCapacity,
		statsWindow:    DefaultStatsWindow,
		statsInterval:  DefaultStatsInterval,
		listeners:      make(map[int]Listener),
		statsListeners: make(map[int]StatsListener),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enabled reports whether any listener is attached.
// A nil bus is never enabled.
func (b *Bus) Enabled() bool {
	return b != nil && b.active.Load()
}

// Subscribe attaches a listener and activates the bus.
// The returned function detaches it; the bus goes inactive again when the
// last listener leaves, keeping already buffered events.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nextSub
	b.nextSub++
	b.listeners[n] = l
	b.activateLocked()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, n)
		b.updateActiveLocked()
	}
}

// SubscribeStats attaches a throttled statistics listener. It also
// activates the bus, since stats are derived from recorded events.
func (b *Bus) SubscribeStats(l StatsListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nextSub
	b.nextSub++
	b.statsListeners[n] = l
	b.activateLocked()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.statsListeners, n)
		b.updateActiveLocked()
	}
}

func (b *Bus) activateLocked() {
	if b.ring == nil {
		b.ring = make([]Event, b.capacity)
	}
	b.active.Store(true)
}

func (b *Bus) updateActiveLocked() {
	b.active.Store(len(b.listeners)+len(b.statsListeners) > 0)
}

// Emit records e and fans it out. It is a no-op while the bus is inactive.
// ID and Timestamp are filled in when empty.
func (b *Bus) Emit(e Event) {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	if !b.active.Load() {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	if e.ID == "" {
		e.ID = b.ids.Generate()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	b.pushLocked(e)

	listeners := make([]Listener, 0, len(b.listeners))
	for _, k := range slices.Sorted(maps.Keys(b.listeners)) {
		listeners = append(listeners, b.listeners[k])
	}

	var statsListeners []StatsListener
	var stats Stats
	if len(b.statsListeners) > 0 && now.Sub(b.lastStatsPush) >= b.statsInterval {
		b.lastStatsPush = now
		stats = b.statsLocked(now)
		for _, k := range slices.Sorted(maps.Keys(b.statsListeners)) {
			statsListeners = append(statsListeners, b.statsListeners[k])
		}
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.safeCall(e.Type, func() { l(e) })
	}
	for _, l := range statsListeners {
		b.safeCall("stats", func() { l(stats) })
	}
}

func (b *Bus) pushLocked(e Event) {
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	} else {
		b.dropped++
	}
}

// safeCall runs fn, logging instead of propagating a panic.
func (b *Bus) safeCall(what EventType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("trace listener panicked", "event", what, "panic", r)
		}
	}()
	fn()
}

// Events returns buffered events matching f, oldest first.
func (b *Bus) Events(f Filter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0)
	b.eachLocked(func(e Event) {
		if f.matches(e) {
			out = append(out, e)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear drops all buffered events.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = Event{}
	}
	b.head, b.size, b.dropped = 0, 0, 0
}

// Stats recomputes statistics over the buffer.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked(b.clock.Now())
}

func (b *Bus) statsLocked(now time.Time) Stats {
	type acc struct {
		count     int
		latencies int
		total     time.Duration
	}
	per := make(map[EventType]*acc)
	cutoff := now.Add(-b.statsWindow)
	recent := 0
	b.eachLocked(func(e Event) {
		a, ok := per[e.Type]
		if !ok {
			a = &acc{}
			per[e.Type] = a
		}
		a.count++
		if e.Latency > 0 {
			a.latencies++
			a.total += e.Latency
		}
		if e.Timestamp.After(cutoff) {
			recent++
		}
	})

	stats := Stats{
		EventsPerSecond: float64(recent) / b.statsWindow.Seconds(),
		Buffered:        b.size,
		Dropped:         b.dropped,
		ByType:          make(map[EventType]TypeStats, len(per)),
		ComputedAt:      now,
	}
	for t, a := range per {
		ts := TypeStats{Count: a.count}
		if a.latencies > 0 {
			ts.AverageLatency = a.total / time.Duration(a.latencies)
		}
		stats.ByType[t] = ts
	}
	return stats
}

// eachLocked visits buffered events oldest first.
func (b *Bus) eachLocked(fn func(Event)) {
	if b.size == 0 {
		return
	}
	start := (b.head - b.size + len(b.ring)) % len(b.ring)
	for i := 0; i < b.size; i++ {
		fn(b.ring[(start+i)%len(b.ring)])
	}
}
