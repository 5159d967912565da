package mailbox

import "sync"

// Queue is the process-wide FIFO of mailboxes with pending work (spec.md
// §2's "Global ready-queue"). Its sole invariant is membership-iff-
// in_global; workers block on the condvar when it is empty.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Mailbox
	closed bool
}

// NewQueue returns an empty ready queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues mb at the tail and wakes one waiting popper.
func (q *Queue) Push(mb *Mailbox) {
	q.mu.Lock()
	q.items = append(q.items, mb)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until a mailbox is available or the queue is closed, then
// returns it. ok is false only after Close, once drained.
func (q *Queue) Pop() (mb *Mailbox, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	mb = q.items[0]
	q.items = q.items[1:]
	return mb, true
}

// TryPop returns immediately with ok=false if the queue is currently empty.
func (q *Queue) TryPop() (mb *Mailbox, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	mb = q.items[0]
	q.items = q.items[1:]
	return mb, true
}

// Len reports the number of mailboxes currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close unblocks every Pop waiter; they return ok=false once the queue
// drains. Used for orderly scheduler shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
