// Package mailbox implements the per-service message queue and the
// process-wide ready queue (spec.md §4.2). Grounded on the teacher's
// mutex-per-struct idiom (state/container.go, handler/handlerDB.go) and the
// other_examples mailbox pattern, adapted from an event-store consumer loop
// to a bounded-growth ring buffer with overload accounting.
package mailbox

import (
	"sync"

	"github.com/opencore-labs/skynet-go/domain"
)

const initialCapacity = 64

// OverloadFunc is invoked with the queue length at each threshold crossing.
// runtime.Launch wires this to logrus for every service's mailbox, so
// warnings get exactly one log line per doubling, per spec.md §4.2
// ("letting the runtime emit exactly log2 warnings").
type OverloadFunc func(length int)

// Mailbox is a FIFO ring of messages belonging to one service.
type Mailbox struct {
	mu        sync.Mutex
	ring      []domain.Message
	head, n   int
	inGlobal  bool
	release   bool
	overload  int // next threshold to report, doubles each crossing
	onOverload OverloadFunc
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{
		ring:     make([]domain.Message, initialCapacity),
		overload: 1024,
	}
}

// SetOverloadFunc installs the overload-warning callback.
func (m *Mailbox) SetOverloadFunc(f OverloadFunc) {
	m.mu.Lock()
	m.onOverload = f
	m.mu.Unlock()
}

func (m *Mailbox) growLocked() {
	next := make([]domain.Message, len(m.ring)*2)
	for i := 0; i < m.n; i++ {
		next[i] = m.ring[(m.head+i)%len(m.ring)]
	}
	m.ring = next
	m.head = 0
}

// Push appends msg to the tail. It returns wasIdle=true if the mailbox was
// not already on the ready queue (in_global was false). Push itself sets
// in_global under this mailbox's own lock, atomically with the append; the
// caller (the runtime's Send path) must then push the mailbox onto the
// global queue when wasIdle is true.
func (m *Mailbox) Push(msg domain.Message) (wasIdle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.n == len(m.ring) {
		m.growLocked()
	}
	m.ring[(m.head+m.n)%len(m.ring)] = msg
	m.n++

	if m.n >= m.overload && m.onOverload != nil {
		m.onOverload(m.n)
		m.overload *= 2
	}

	wasIdle = !m.inGlobal
	m.inGlobal = true
	return wasIdle
}

// Pop removes and returns the head message. Observing an empty mailbox
// clears in_global, per spec.md §4.2's invariant.
func (m *Mailbox) Pop() (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.n == 0 {
		m.inGlobal = false
		return domain.Message{}, false
	}
	msg := m.ring[m.head]
	m.ring[m.head] = domain.Message{}
	m.head = (m.head + 1) % len(m.ring)
	m.n--
	if m.n == 0 {
		m.inGlobal = false
	}
	return msg, true
}

// Len reports the current queue depth (backs the MQLEN command).
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

// InGlobal reports whether the mailbox believes itself to be on the ready
// queue — used by tests checking the membership-iff-in_global invariant.
func (m *Mailbox) InGlobal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inGlobal
}

// MarkRelease flags the mailbox for deletion once drained, per spec.md §3's
// per-mailbox release flag.
func (m *Mailbox) MarkRelease() {
	m.mu.Lock()
	m.release = true
	m.mu.Unlock()
}

// ReleaseRequested reports whether MarkRelease was called.
func (m *Mailbox) ReleaseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release
}

// Drain removes and returns every queued message, e.g. for the drop handler
// synthesizing ERROR replies to a retired handle's senders (spec.md §4.9 /
// §7 "Drop handler").
func (m *Mailbox) Drain() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Message, 0, m.n)
	for i := 0; i < m.n; i++ {
		out = append(out, m.ring[(m.head+i)%len(m.ring)])
	}
	m.n = 0
	m.head = 0
	m.inGlobal = false
	return out
}
