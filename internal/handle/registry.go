// Package handle implements the handle registry (spec.md §4.1): allocation
// of 24-bit ids within an 8-bit node prefix, id -> context lookup, and an
// optional name -> handle index. Grounded on handler/handlerDB.go's
// registration-table idiom (a mutex-guarded lookup structure with a single
// "reject on duplicate" insertion rule), swapping the radix tree's string
// keys for names instead of filesystem paths.
package handle

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
)

// maxCapacity caps the backing slice at 2^30 slots (spec.md §4.1); growing
// past it is fatal. Ids are masked to 24 bits in Register on their own, so
// no id ever exceeds what the 24-bit field can hold.
const maxCapacity = 1 << 30

// Registry is the open-addressed id->context table plus the name index.
// Every instance is independently lockable (no package-level state), so
// tests can build one runtime per test per spec.md §9.
type Registry struct {
	mu       sync.RWMutex
	node     uint8
	slots    []domain.Entry // open-addressed by (handle.ID() % len(slots))
	nextID   uint32
	count    int
	names    *iradix.Tree // name (bytes) -> domain.Handle, stored as uint32
}

// New returns a Registry for the given node prefix with an initial capacity
// of 4, per spec.md §3 ("Handle registry ... initial 4").
func New(node uint8) *Registry {
	return &Registry{
		node:  node,
		slots: make([]domain.Entry, 4),
		names: iradix.New(),
	}
}

func slotFor(slots []domain.Entry, id uint32) int {
	return int(id) & (len(slots) - 1)
}

// Register allocates a fresh handle for ctx and inserts it into the table.
// Capacity doubles on a full-scan probe miss, per spec.md §4.1.
func (r *Registry) Register(ctx domain.Entry) domain.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= len(r.slots) {
		r.grow()
	}

	for {
		for i := 0; i < len(r.slots); i++ {
			id := (r.nextID + uint32(i)) & domain.HandleIDMask
			slot := slotFor(r.slots, id)
			if r.slots[slot] == nil {
				r.nextID = (id + 1) & domain.HandleIDMask
				r.slots[slot] = ctx
				r.count++
				return domain.MakeHandle(r.node, id)
			}
		}
		// Full scan found no free slot despite count < len(slots): a
		// transient inconsistency from a prior grow; force another.
		r.grow()
	}
}

func (r *Registry) grow() {
	if len(r.slots) >= maxCapacity {
		logrus.Fatal("handle registry: capacity exhausted at 2^30 ids")
	}
	next := make([]domain.Entry, len(r.slots)*2)
	for _, e := range r.slots {
		if e == nil {
			continue
		}
		id := e.Handle().ID()
		next[slotFor(next, id)] = e
	}
	r.slots = next
}

// Grab resolves h to its context and adds a reference the caller must
// Release. Returns ok=false if h names no live service.
func (r *Registry) Grab(h domain.Handle) (domain.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(h.NodePrefix()) != int(r.node) {
		return nil, false
	}
	slot := slotFor(r.slots, h.ID())
	e := r.slots[slot]
	if e == nil || e.Handle() != h {
		return nil, false
	}
	e.Retain()
	return e, true
}

// Retire removes h from the table and drops any names pointing at it. It
// releases the registry's own reference (the "one for the registry" share
// of the initial refcount of 2 described in spec.md §3); full destruction
// happens only once the caller's references also reach zero.
func (r *Registry) Retire(h domain.Handle) bool {
	r.mu.Lock()

	if int(h.NodePrefix()) != int(r.node) {
		r.mu.Unlock()
		return false
	}
	slot := slotFor(r.slots, h.ID())
	e := r.slots[slot]
	if e == nil || e.Handle() != h {
		r.mu.Unlock()
		return false
	}
	r.slots[slot] = nil
	r.count--

	// Drop any names aliasing this handle.
	var toDelete [][]byte
	r.names.Root().Walk(func(k []byte, v interface{}) bool {
		if v.(domain.Handle) == h {
			toDelete = append(toDelete, k)
		}
		return false
	})
	for _, k := range toDelete {
		tree, _, _ := r.names.Delete(k)
		r.names = tree
	}
	r.mu.Unlock()

	e.Release()
	return true
}

// Name attaches name to h. It fails (returns false) iff the name is already
// bound to some handle — per spec.md §4.1 this is the *only* way naming can
// fail, and it's how callers detect collisions (scenario S3).
func (r *Registry) Name(h domain.Handle, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := []byte(name)
	if _, ok := r.names.Get(key); ok {
		return false
	}
	tree, _, _ := r.names.Insert(key, h)
	r.names = tree
	return true
}

// Find resolves a registered name to its handle.
func (r *Registry) Find(name string) (domain.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.names.Get([]byte(name))
	if !ok {
		return domain.NoHandle, false
	}
	return v.(domain.Handle), true
}

// Len reports the number of live handles (test/diagnostic use).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
