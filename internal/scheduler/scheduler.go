// Package scheduler implements the worker-pool scheduler (spec.md §4.3): N
// goroutines each pop a mailbox from the global ready queue and drain a
// weight-controlled batch of messages by invoking the target context's
// callback. Grounded on the teacher's goroutine-pool idiom in
// nsenter/reaper.go (a dedicated goroutine looping on a signal, guarded by
// its own mutex) generalized from "one reaper" to "N pool workers".
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/mailbox"
	"github.com/opencore-labs/skynet-go/internal/monitor"
)

// Dispatcher is what the scheduler needs from a mailbox's owning context:
// enough to drain it without knowing about internal/svc.Context directly
// (avoids a scheduler->svc->scheduler cycle — svc never imports scheduler).
type Dispatcher interface {
	Handle() domain.Handle
	Dispatch(typ uint8, session int32, source domain.Handle, payload []byte)
}

// Resolver looks up the Dispatcher that owns a mailbox popped off the
// ready queue.
type Resolver func(mb *mailbox.Mailbox) (Dispatcher, bool)

// Pool is the N-worker scheduler. Weight translates to batch size per
// spec.md §4.3: weight<0 means "one message", weight>=0 means "drain up to
// 2^weight messages" — larger weights let some workers drain deeper
// batches than others, the fairness/throughput knob spec.md describes.
type Pool struct {
	ready    *mailbox.Queue
	resolve  Resolver
	weights  []int
	monitor  *monitor.Monitor
	wg       sync.WaitGroup
}

// NewPool builds a scheduler with len(weights) workers, one weight per
// worker slot (typical size 4-32 per spec.md §4.3).
func NewPool(ready *mailbox.Queue, resolve Resolver, weights []int, mon *monitor.Monitor) *Pool {
	return &Pool{ready: ready, resolve: resolve, weights: weights, monitor: mon}
}

func batchSize(weight int) int {
	if weight < 0 {
		return 1
	}
	return 1 << uint(weight)
}

// Run starts all workers and returns at once. A worker exits when it sees
// ctx canceled between mailboxes or when Stop closes the ready queue; Stop
// waits for every worker to exit.
func (p *Pool) Run(ctx context.Context) {
	for i, w := range p.weights {
		p.wg.Add(1)
		go p.worker(ctx, i, batchSize(w))
	}
}

// Stop unblocks every worker's queue wait and waits for them to exit.
func (p *Pool) Stop() {
	p.ready.Close()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int, batch int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mb, ok := p.ready.Pop()
		if !ok {
			return // queue closed and drained
		}

		d, found := p.resolve(mb)
		if !found {
			// Owning context is gone (retired mid-flight): drop remaining
			// messages rather than spin forever on an orphaned mailbox.
			mb.Drain()
			continue
		}

		p.drain(id, d, mb, batch)
	}
}

// drain pops up to `batch` messages from mb, dispatching each through d,
// then requeues mb unless it emptied out — spec.md §4.3 steps 2-4. No
// worker may monopolize a mailbox: even when more messages remain, control
// returns to the ready queue so other mailboxes get a turn (the fairness
// mechanism).
func (p *Pool) drain(workerID int, d Dispatcher, mb *mailbox.Mailbox, batch int) {
	for i := 0; i < batch; i++ {
		msg, ok := mb.Pop()
		if !ok {
			return // mailbox emptied; do not requeue
		}

		if p.monitor != nil {
			p.monitor.Before(workerID, msg.Source, d.Handle())
		}
		d.Dispatch(msg.Type, msg.Session, msg.Source, msg.Payload)
		if p.monitor != nil {
			p.monitor.After(workerID)
		}
	}

	// Batch limit reached with messages possibly still queued: requeue at
	// the tail so other ready mailboxes get a turn first.
	if mb.Len() > 0 {
		p.ready.Push(mb)
	} else if mb.InGlobal() {
		// Pop() already cleared in_global once it observed empty; nothing
		// to do. This branch only documents the invariant for readers.
		logrus.Tracef("scheduler: mailbox for %s drained empty", d.Handle())
	}
}
