package broadcast

import "sync"

// Message is one broadcast addressed to a subscriber.
type Message struct {
	Channel       Channel
	Version       int64
	CorrelationID string
	Payload       any
}

// mailbox is a subscriber's unbounded FIFO of pending messages.
//
// Publishing never blocks, so a slow subscriber only grows its own mailbox.
// A buffered signal channel of size 1 wakes the drain goroutine; multiple
// enqueues coalesce into one wakeup.
type mailbox struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		msgs:   make([]Message, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends msgs in order. Returns false if the mailbox is closed.
func (m *mailbox) enqueue(msgs ...Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.msgs = append(m.msgs, msgs...)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes the front message without blocking.
func (m *mailbox) tryDequeue() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return Message{}, false
	}
	msg := m.msgs[0]
	// Clear the slot so the payload can be collected.
	m.msgs[0] = Message{}
	if len(m.msgs) == 1 {
		m.msgs = m.msgs[:0]
	} else {
		m.msgs = m.msgs[1:]
	}
	return msg, true
}

// wait returns a channel that signals when messages may be available. It is
// closed by close.
func (m *mailbox) wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// close stops further enqueues. Messages already queued stay drainable.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
