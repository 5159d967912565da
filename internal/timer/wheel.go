// Package timer implements the hierarchical timing wheel (spec.md §4.5): a
// 256-slot near wheel plus four 64-slot coarser wheels, a 10ms logical tick,
// and cascading of coarser-wheel slots down into the near wheel. Grounded
// on the teacher's ticking-goroutine idiom (seccomp/pidTracker.go,
// nsenter/reaper.go) generalized from a fixed-interval poll to a
// catch-up-aware tick driven by a monotonic clock.
package timer

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
)

const (
	nearBits  = 8
	nearSize  = 1 << nearBits // 256
	nearMask  = nearSize - 1
	levelBits = 6
	levelSize = 1 << levelBits // 64
	levelMask = levelSize - 1
	numLevels = 4

	tickInterval = 10 * time.Millisecond
	pollInterval = 2500 * time.Microsecond // 2.5ms wall-clock poll, per spec.md §4.5
)

// Fire is invoked for every node whose expiry has arrived. It enqueues
// {type=RESPONSE, session, source=0, payload=nil} into the target's
// mailbox — the actual enqueue is performed by whatever internal/runtime
// wires in here, keeping this package free of a dependency on svc/mailbox.
type Fire func(h domain.Handle, session int32)

type node struct {
	expiry  uint32
	handle  domain.Handle
	session int32
}

// Wheel is the hierarchical timer. All mutable state is guarded by mu, so
// multiple Wheel instances (one per isolated test runtime) never share
// state, per spec.md §9.
type Wheel struct {
	mu     sync.Mutex
	near   [nearSize]list.List
	levels [numLevels][levelSize]list.List
	tick   uint32 // current logical tick, wraps at 32 bits

	fire Fire

	startWall time.Time // wall-clock at boot, for StartTime()
	startMono time.Time // monotonic anchor for catch-up ticking

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Wheel that calls fire for every expired timer.
func New(fire Fire) *Wheel {
	now := time.Now()
	return &Wheel{
		fire:      fire,
		startWall: now,
		startMono: now,
		stop:      make(chan struct{}),
	}
}

// StartTime returns the UTC seconds at boot (spec.md §4.5).
func (w *Wheel) StartTime() int64 { return w.startWall.Unix() }

// Now returns the number of logical ticks elapsed since boot.
func (w *Wheel) Now() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Timeout schedules a RESPONSE for handle h at the given session, ticks in
// the future. ticks=0 is the fast path: fire immediately instead of
// touching the wheel (spec.md §4.5).
func (w *Wheel) Timeout(h domain.Handle, ticks uint32, session int32) int32 {
	if ticks == 0 {
		w.fire(h, session)
		return session
	}

	w.mu.Lock()
	expiry := w.tick + ticks
	w.insertLocked(&node{expiry: expiry, handle: h, session: session}, expiry)
	w.mu.Unlock()
	return session
}

// insertLocked places n in the finest wheel whose slot resolves the
// remaining delta, per spec.md §4.5.
func (w *Wheel) insertLocked(n *node, expiry uint32) {
	delta := expiry - w.tick

	if delta < nearSize {
		w.near[expiry&nearMask].PushBack(n)
		return
	}

	for lvl := 0; lvl < numLevels; lvl++ {
		levelSpan := uint32(nearSize) << uint((lvl+1)*levelBits)
		if delta < levelSpan || lvl == numLevels-1 {
			idx := (expiry >> uint(nearBits+lvl*levelBits)) & levelMask
			w.levels[lvl][idx].PushBack(n)
			return
		}
	}
}

// Run starts the ticking goroutine.
func (w *Wheel) Run() {
	w.wg.Add(1)
	go w.loop()
}

// Stop ends the ticking goroutine.
func (w *Wheel) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Wheel) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.catchUp()
		}
	}
}

// catchUp advances the logical tick counter according to measured
// wall-clock delta since startMono, so missed ticks (e.g. after a pause)
// are made up rather than lost, per spec.md §4.5. A backwards clock jump
// is logged and absorbed (no negative advance).
func (w *Wheel) catchUp() {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.startMono)
	target := uint32(elapsed / tickInterval)

	if target < w.tick {
		logrus.Warnf("skynet: timer clock went backwards (target=%d current=%d), absorbing", target, w.tick)
		return
	}

	for w.tick < target {
		w.tick++
		w.advanceLocked()
	}
}

// advanceLocked cascades coarser levels down into the near wheel whenever
// the near wheel wraps, then fires every node in the current near-slot —
// shift before execute, mirroring skynet_timer.c's timer_update (timer_shift
// runs before timer_execute). A coarse-level node landing on tick&nearMask
// via cascade must be visible to this tick's drain, not the next wrap.
func (w *Wheel) advanceLocked() {
	if w.tick&nearMask == 0 {
		for lvl := 0; lvl < numLevels; lvl++ {
			idx := (w.tick >> uint(nearBits+lvl*levelBits)) & levelMask
			coarse := &w.levels[lvl][idx]
			w.cascade(coarse)
			if idx != 0 {
				break
			}
		}
	}

	w.drainSlot(&w.near[w.tick&nearMask])
}

// cascade moves every node out of a coarser-wheel slot back down into
// whichever finer wheel its remaining delta now resolves to.
func (w *Wheel) cascade(l *list.List) {
	for e := l.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*node)
		l.Remove(e)
		w.insertLocked(n, n.expiry)
		e = next
	}
}

func (w *Wheel) drainSlot(l *list.List) {
	for e := l.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node)
		w.fire(n.handle, n.session)
	}
	l.Init()
}
