package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually driven wall clock for tests.
//
// Sleep never blocks: it advances the clock by the requested duration and
// records it, so backoff and pacing delays can be asserted without waiting.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Sleep records d and advances the clock, unless ctx is already done.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Sleeps returns a copy of every duration passed to Sleep, in call order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// ScriptedRandom replays fixed values for Float64 and IntN.
//
// Float64 cycles through floats; IntN cycles through ints and reduces each
// modulo n. Empty scripts return 0.
type ScriptedRandom struct {
	mu     sync.Mutex
	floats []float64
	ints   []int
	fi, ii int
}

// NewScriptedRandom creates a random source returning floats in order.
func NewScriptedRandom(floats ...float64) *ScriptedRandom {
	return &ScriptedRandom{floats: floats}
}

// WithInts sets the values returned by IntN.
func (r *ScriptedRandom) WithInts(ints ...int) *ScriptedRandom {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ints = ints
	r.ii = 0
	return r
}

// Float64 returns the next scripted float.
func (r *ScriptedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.floats) == 0 {
		return 0
	}
	v := r.floats[r.fi%len(r.floats)]
	r.fi++
	return v
}

// IntN returns the next scripted int modulo n.
func (r *ScriptedRandom) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ints) == 0 || n <= 0 {
		return 0
	}
	v := r.ints[r.ii%len(r.ints)] % n
	r.ii++
	return v
}
