package workflow

import (
	"sync"
)

type signal struct {
	name    string
	payload Payload
}

// mailbox is the FIFO of signals for one workflow instance. Senders may be
// any goroutine; only the instance's own goroutine takes from it.
type mailbox struct {
	mu     sync.Mutex
	items  []signal
	closed bool
	notify chan struct{} // buffered, size 1; coalesces wake-ups
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]signal, 0, 8),
		notify: make(chan struct{}, 1),
	}
}

// put enqueues a signal. It returns false once the mailbox is closed.
func (m *mailbox) put(s signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, s)
	m.poke()
	return true
}

// poke wakes the owner without enqueuing anything
func (m *mailbox) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return signal{}, false
	}
	s := m.items[0]
	m.items[0] = signal{}
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return s, true
}

func (m *mailbox) wait() <-chan struct{} {
	return m.notify
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
}
