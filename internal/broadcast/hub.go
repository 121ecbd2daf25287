// Package broadcast fans state changes out to display surfaces.
//
// A Hub listens to the state store and pushes whole snapshots on four
// channels. Each attached Subscriber owns a FIFO mailbox drained by its own
// goroutine, so every subscriber sees versions in order and a slow or
// failing subscriber never delays the store or the other subscribers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/trace"
)

// Channel names a broadcast stream.
type Channel string

const (
	ChannelState        Channel = "state"
	ChannelMetrics      Channel = "metrics"
	ChannelTransactions Channel = "transactions"
	ChannelInventory    Channel = "inventory"
)

// Channels lists every channel in snapshot order.
var Channels = []Channel{ChannelState, ChannelMetrics, ChannelTransactions, ChannelInventory}

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("broadcast: hub closed")

// Subscriber receives broadcasts. Payloads are shared between subscribers
// and must be treated as read-only.
type Subscriber interface {
	Broadcast(channel Channel, payload any) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(channel Channel, payload any) error

// Broadcast implements Subscriber.
func (f SubscriberFunc) Broadcast(channel Channel, payload any) error { return f(channel, payload) }

// Source is the change feed a Hub listens to. *state.Store implements it.
type Source interface {
	SubscribeWithSnapshot(ctx context.Context, l state.Listener) (state.Change, func())
}

// Stats describes one attached subscriber.
type Stats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
}

// Hub owns the subscriber mailboxes.
type Hub struct {
	logger *slog.Logger
	bus    *trace.Bus

	mu          sync.Mutex
	last        map[Channel]Message
	subs        map[int]*attachment
	nextID      int
	closed      bool
	unsubscribe func()

	wg sync.WaitGroup
}

type attachment struct {
	id   int
	name string
	sub  Subscriber
	box  *mailbox
	stop chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithTrace records a broadcast event per published change.
func WithTrace(bus *trace.Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

// Start creates a Hub listening to src. The current state becomes the
// snapshot every new subscriber receives first.
func Start(ctx context.Context, src Source, opts ...Option) *Hub {
	h := &Hub{
		logger: slog.Default(),
		last:   make(map[Channel]Message, len(Channels)),
		subs:   make(map[int]*attachment),
	}
	for _, opt := range opts {
		opt(h)
	}

	// Changes published right after registration block on the hub lock
	// until the snapshot is seeded.
	h.mu.Lock()
	defer h.mu.Unlock()
	current, unsubscribe := src.SubscribeWithSnapshot(ctx, h.publish)
	h.unsubscribe = unsubscribe
	h.remember(messagesFor(current))
	return h
}

// messagesFor returns the messages carried by c, in channel order.
func messagesFor(c state.Change) []Message {
	msgs := []Message{{Channel: ChannelState, Payload: c.State}}
	if c.Metrics != nil {
		msgs = append(msgs, Message{Channel: ChannelMetrics, Payload: *c.Metrics})
	}
	if c.Transactions != nil {
		msgs = append(msgs, Message{Channel: ChannelTransactions, Payload: c.Transactions})
	}
	if c.Inventory != nil {
		msgs = append(msgs, Message{Channel: ChannelInventory, Payload: c.Inventory})
	}
	for i := range msgs {
		msgs[i].Version = c.Version
		msgs[i].CorrelationID = c.CorrelationID
	}
	return msgs
}

func (h *Hub) remember(msgs []Message) {
	for _, m := range msgs {
		h.last[m.Channel] = m
	}
}

// publish is the store listener. It runs under the store's mutation lock
// and only enqueues.
func (h *Hub) publish(c state.Change) {
	msgs := messagesFor(c)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.remember(msgs)
	n := len(h.subs)
	for _, a := range h.subs {
		a.box.enqueue(msgs...)
	}
	h.mu.Unlock()

	if h.bus.Enabled() {
		channels := make([]Channel, len(msgs))
		for i, m := range msgs {
			channels[i] = m.Channel
		}
		h.bus.Emit(trace.Event{
			CorrelationID: c.CorrelationID,
			Type:          trace.EventBroadcast,
			Source:        "broadcast",
			Target:        trace.TargetAll,
			Payload:       map[string]any{"version": c.Version, "channels": channels, "subscribers": n},
		})
	}
}

// Attach adds sub. It first receives the latest message on every channel,
// then every later change. The returned function detaches it; messages
// still queued at that point are dropped.
func (h *Hub) Attach(name string, sub Subscriber) (detach func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	a := &attachment{
		id:   h.nextID,
		name: name,
		sub:  sub,
		box:  newMailbox(),
		stop: make(chan struct{}),
	}
	h.nextID++
	for _, ch := range Channels {
		if m, ok := h.last[ch]; ok {
			a.box.enqueue(m)
		}
	}
	h.subs[a.id] = a

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.drain(a)
	}()
	h.logger.Debug("subscriber attached", "subscriber", name)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, a.id)
			h.mu.Unlock()
			close(a.stop)
			a.box.close()
			h.logger.Debug("subscriber detached", "subscriber", name)
		})
	}, nil
}

// drain delivers a's messages until it is detached or its mailbox is
// closed and empty.
func (h *Hub) drain(a *attachment) {
	for {
		if !h.deliverQueued(a) {
			return
		}
		select {
		case <-a.stop:
			return
		case _, open := <-a.box.wait():
			if !open {
				h.deliverQueued(a)
				return
			}
		}
	}
}

// deliverQueued delivers everything queued. Returns false once detached.
func (h *Hub) deliverQueued(a *attachment) bool {
	for {
		select {
		case <-a.stop:
			return false
		default:
		}
		msg, ok := a.box.tryDequeue()
		if !ok {
			return true
		}
		if err := h.deliver(a, msg); err != nil {
			a.failed.Add(1)
			h.logger.Warn("broadcast delivery failed",
				"subscriber", a.name,
				"channel", msg.Channel,
				"version", msg.Version,
				"error", err)
			continue
		}
		a.delivered.Add(1)
	}
}

func (h *Hub) deliver(a *attachment, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return a.sub.Broadcast(msg.Channel, msg.Payload)
}

// Stats returns per-subscriber delivery counts.
func (h *Hub) Stats() []Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Stats, 0, len(h.subs))
	for id := 0; id < h.nextID; id++ {
		a, ok := h.subs[id]
		if !ok {
			continue
		}
		out = append(out, Stats{
			Name:      a.name,
			Pending:   a.box.len(),
			Delivered: a.delivered.Load(),
			Failed:    a.failed.Load(),
		})
	}
	return out
}

// Close stops listening to the store and waits until every subscriber has
// drained its mailbox, or ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	unsubscribe := h.unsubscribe
	for _, a := range h.subs {
		a.box.close()
	}
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast: close: %w", ctx.Err())
	}
}
