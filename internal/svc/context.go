// Package svc implements the per-service context (spec.md §3/§4.4): the
// mailbox owner that runs one message at a time, the session counter, the
// send/sendname/command public contract, and reference counting. Grounded
// on state/container.go's per-entity state object (refcounted, guarded by
// its own mutex, holding a back-reference to sibling services set up via a
// Setup-style call) adapted from "container" to "running service".
package svc

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/mailbox"
)

// Kernel is everything a Context needs from the surrounding runtime to
// implement Send/SendName/Command, supplied by internal/runtime.Runtime.
// Keeping it as an interface (rather than importing internal/runtime
// directly) avoids a cycle: runtime constructs Contexts, so Contexts cannot
// import runtime.
type Kernel interface {
	NodePrefix() uint8
	Grab(h domain.Handle) (*Context, bool)
	ReadyQueue() *mailbox.Queue
	FindName(name string) (domain.Handle, bool)
	RegisterName(h domain.Handle, name string) bool
	Retire(h domain.Handle) bool
	EnvGet(key string) (string, bool)
	EnvSet(key, value string)
	Timeout(h domain.Handle, ticks uint32, session int32) int32
	StartTime() int64
	Now() uint32
	Launch(modname, args string) (domain.Handle, error)
	Abort()
	ForwardRemote(dest domain.Handle, msg domain.Message) error
	ForwardRemoteName(name string, msg domain.Message) error

	SocketListen(owner domain.Handle, addr string) (int32, string, error)
	SocketConnect(owner domain.Handle, addr string) (int32, error)
	SocketSend(id int32, data []byte, highPriority bool) error
	SocketClose(id int32) error
}

// Context is one live service: handle, module state, callback, mailbox,
// session counter and reference count. At most one goroutine executes its
// callback at a time (spec.md §3 invariant i), enforced by entryCount.
type Context struct {
	handle domain.Handle
	kernel Kernel
	mbox   *mailbox.Mailbox

	state interface{}
	cbPtr atomic.Value // domain.Callback

	session int32 // atomic, see NextSession

	refs int32 // atomic; starts at 2 (registry share + creator share)

	initialized int32 // atomic bool
	endless     int32 // atomic bool
	entryCount  int32 // atomic; exclusivity check, 0<->1

	monitor int32 // atomic domain.Handle value for the MONITOR command

	logEntry atomic.Value // *logrus.Entry or nil

	module   string        // module type name, for diagnostics
	modVtbl  domain.Module // may be nil for test-only contexts with no module
}

// New constructs a Context bound to kernel, with the initial refcount of 2
// described in spec.md §3. The handle is not assigned until runtime.Launch
// calls Bind with the handle the registry gave it (spec.md §3 invariant iii: handle is never visible before
// initialized becomes true).
func New(kernel Kernel, moduleName string, mod domain.Module, state interface{}) *Context {
	return &Context{
		kernel:  kernel,
		mbox:    mailbox.New(),
		state:   state,
		module:  moduleName,
		modVtbl: mod,
		refs:    2,
	}
}

// signal delivers an out-of-band integer signal to the module, per the
// SIGNAL command (spec.md §6).
func (c *Context) signal(n int) {
	if c.modVtbl != nil {
		c.modVtbl.Signal(c, c.state, n)
	}
}

// ReleaseModule invokes the module's Release hook (called once the context
// is fully torn down — registry slot cleared and refcount at zero).
func (c *Context) ReleaseModule() {
	if c.modVtbl != nil {
		c.modVtbl.Release(c, c.state)
	}
}

func atomicLoadMonitor(c *Context) int32  { return atomic.LoadInt32(&c.monitor) }
func atomicStoreMonitor(c *Context, v int32) { atomic.StoreInt32(&c.monitor, v) }

// Bind assigns the handle once the registry has allocated it.
func (c *Context) Bind(h domain.Handle) { c.handle = h }

// MarkInitialized flips the initialized flag once Init has run.
func (c *Context) MarkInitialized() { atomic.StoreInt32(&c.initialized, 1) }

// Initialized reports whether Init has completed.
func (c *Context) Initialized() bool { return atomic.LoadInt32(&c.initialized) != 0 }

// Handle implements domain.Entry / domain.Host.
func (c *Context) Handle() domain.Handle { return c.handle }

// State returns the module-opaque per-instance state.
func (c *Context) State() interface{} { return c.state }

// Mailbox exposes the context's mailbox to the scheduler.
func (c *Context) Mailbox() *mailbox.Mailbox { return c.mbox }

// Retain / Release implement domain.Entry's atomic reference counting.
func (c *Context) Retain()        { atomic.AddInt32(&c.refs, 1) }
func (c *Context) Release() int32 { return atomic.AddInt32(&c.refs, -1) }

// SetCallback installs the per-context dispatcher (domain.Host contract).
func (c *Context) SetCallback(cb domain.Callback) { c.cbPtr.Store(cb) }

func (c *Context) callback() domain.Callback {
	v := c.cbPtr.Load()
	if v == nil {
		return nil
	}
	return v.(domain.Callback)
}

// NextSession allocates a fresh session id: starts at 1, increments before
// use, wraps to 1 on overflow, never returns 0 (spec.md §4.4).
func (c *Context) NextSession() int32 {
	for {
		old := atomic.LoadInt32(&c.session)
		next := old + 1
		if next <= 0 {
			next = 1
		}
		if atomic.CompareAndSwapInt32(&c.session, old, next) {
			return next
		}
	}
}

// SetEndless / Endless back the monitor's flag and the ENDLESS command.
func (c *Context) SetEndless(v bool) {
	if v {
		atomic.StoreInt32(&c.endless, 1)
	} else {
		atomic.StoreInt32(&c.endless, 0)
	}
}

// TakeEndless reads and clears the endless flag (spec.md §6 "ENDLESS —
// read-and-clear the endless flag").
func (c *Context) TakeEndless() bool {
	return atomic.SwapInt32(&c.endless, 0) != 0
}

// SetLog attaches or detaches the per-context log sink (LOGON/LOGOFF).
func (c *Context) SetLog(entry *logrus.Entry) { c.logEntry.Store(logWrap{entry}) }

// logWrap lets us store a possibly-nil *logrus.Entry in an atomic.Value
// (which rejects storing differently-typed nils across calls).
type logWrap struct{ e *logrus.Entry }

// Log returns the attached log sink, or nil if none (LOGOFF / never LOGON).
func (c *Context) Log() *logrus.Entry {
	v := c.logEntry.Load()
	if v == nil {
		return nil
	}
	return v.(logWrap).e
}

// Dispatch runs one message through the installed callback, enforcing the
// one-callback-at-a-time invariant. The scheduler calls this for every
// message in a drained batch.
func (c *Context) Dispatch(typ uint8, session int32, source domain.Handle, payload []byte) {
	if !atomic.CompareAndSwapInt32(&c.entryCount, 0, 1) {
		logrus.Errorf("skynet: exclusivity violation on %s", c.handle)
		return
	}
	defer atomic.StoreInt32(&c.entryCount, 0)

	cb := c.callback()
	if cb == nil {
		return
	}

	if le := c.Log(); le != nil {
		le.WithFields(logrus.Fields{
			"handle":  c.handle.String(),
			"session": session,
			"source":  source.String(),
			"type":    typ,
		}).Debug("dispatch")
	}

	consumed, err := cb(c, typ, session, source, payload)
	if err != nil {
		logrus.Errorf("skynet: dispatch error on %s (session=%d, source=%s): %v",
			c.handle, session, source, err)
	}
	_ = consumed // payload ownership is advisory in Go: the GC reclaims it either way
}
