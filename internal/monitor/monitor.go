// Package monitor implements the stuck-service detector (spec.md §4.8): one
// {version, check_version, source, destination} record per worker, a
// dedicated goroutine that wakes every 5s and flags a destination context's
// endless bit when a worker's version hasn't advanced. Grounded on
// seccomp/pidTracker.go's watchdog-polling idiom (a ticking goroutine that
// compares a previously observed value against the current one).
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
)

const checkInterval = 5 * time.Second

type slot struct {
	version     int32 // atomic
	seq         int32 // atomic; last value Before stamped into version
	source      int32 // atomic domain.Handle value
	destination int32 // atomic domain.Handle value
}

// EndlessSetter is the subset of internal/svc.Context the monitor needs to
// flag a stuck destination — kept as a narrow interface to avoid importing
// svc (which would create scheduler/monitor/svc import cycles).
type EndlessSetter interface {
	SetEndless(bool)
}

// Lookup resolves a handle to the context to flag, or ok=false if it has
// since retired (in which case the monitor does nothing further).
type Lookup func(domain.Handle) (EndlessSetter, bool)

// Monitor watches N workers (one slot each) for lack of progress.
type Monitor struct {
	slots  []slot
	lookup Lookup

	mu       sync.Mutex
	lastSeen []int32 // check_version, guarded by mu (written only by the ticker goroutine)

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Monitor for n workers, checking every 5s per spec.md §4.8.
// lookup resolves a destination handle to the context whose endless flag
// should be set.
func New(n int, lookup Lookup) *Monitor {
	return NewWithInterval(n, lookup, checkInterval)
}

// NewWithInterval is New with an overridable check interval, for tests that
// cannot afford to wait 5 real seconds.
func NewWithInterval(n int, lookup Lookup, interval time.Duration) *Monitor {
	return &Monitor{
		slots:    make([]slot, n),
		lookup:   lookup,
		lastSeen: make([]int32, n),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Before is called by a worker immediately before invoking a callback. It
// stamps version with a fresh nonzero value, so each callback has its own.
func (m *Monitor) Before(workerID int, source, destination domain.Handle) {
	s := &m.slots[workerID]
	atomic.StoreInt32(&s.source, int32(uint32(source)))
	atomic.StoreInt32(&s.destination, int32(uint32(destination)))
	v := atomic.AddInt32(&s.seq, 1)
	if v == 0 {
		v = atomic.AddInt32(&s.seq, 1)
	}
	atomic.StoreInt32(&s.version, v)
}

// After is called immediately after a callback returns; it clears the
// version so the next tick sees "no callback in flight".
func (m *Monitor) After(workerID int) {
	atomic.StoreInt32(&m.slots[workerID].version, 0)
}

// Run starts the 5s watchdog goroutine. Stop ends it.
func (m *Monitor) Run() {
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		s := &m.slots[i]
		v := atomic.LoadInt32(&s.version)
		if v != 0 && v == m.lastSeen[i] {
			dest := domain.Handle(uint32(atomic.LoadInt32(&s.destination)))
			src := domain.Handle(uint32(atomic.LoadInt32(&s.source)))
			if ctx, ok := m.lookup(dest); ok {
				ctx.SetEndless(true)
			}
			logrus.Warnf("skynet: a message from %s to %s maybe in an endless loop", src, dest)
		}
		m.lastSeen[i] = v
	}
}

// Stop ends the watchdog goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}
