// Package inbox buffers messages delivered to the local agent. Reading
// drains: the control plane swaps the buffer for an empty one atomically.
package inbox

import "sync"

// Message is one delivered record.
type Message struct {
	Sender        string `json:"sender"`
	SenderShortID string `json:"senderShortId"`
	Timestamp     int64  `json:"timestamp"`
	Content       any    `json:"content"`
}

// DefaultCap bounds the buffer; the oldest message is dropped when full.
const DefaultCap = 200

// Inbox is a bounded FIFO safe for concurrent use.
type Inbox struct {
	mu  sync.Mutex
	buf []Message
	cap int

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}
}

// New creates an inbox holding at most capacity messages.
func New(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Inbox{
		cap:       capacity,
		listeners: make(map[chan Message]struct{}),
	}
}

// Push appends a message, evicting the oldest when full.
func (in *Inbox) Push(m Message) {
	in.mu.Lock()
	if len(in.buf) >= in.cap {
		in.buf = in.buf[1:]
	}
	in.buf = append(in.buf, m)
	in.mu.Unlock()

	in.listenerMu.RLock()
	for ch := range in.listeners {
		select {
		case ch <- m:
		default:
		}
	}
	in.listenerMu.RUnlock()
}

// Drain returns every buffered message in arrival order and empties the
// buffer in one atomic swap.
func (in *Inbox) Drain() []Message {
	in.mu.Lock()
	out := in.buf
	in.buf = nil
	in.mu.Unlock()
	if out == nil {
		out = []Message{}
	}
	return out
}

// Len returns the number of buffered messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.buf)
}

// Subscribe returns a channel fed a copy of every future message and a
// cancel function. Used by the local event feed; slow listeners miss
// messages rather than blocking delivery.
func (in *Inbox) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	in.listenerMu.Lock()
	in.listeners[ch] = struct{}{}
	in.listenerMu.Unlock()

	cancel := func() {
		in.listenerMu.Lock()
		if _, ok := in.listeners[ch]; ok {
			delete(in.listeners, ch)
			close(ch)
		}
		in.listenerMu.Unlock()
	}
	return ch, cancel
}
