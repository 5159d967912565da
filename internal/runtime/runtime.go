// Package runtime wires every subsystem — handle registry, mailboxes,
// worker scheduler, timing wheel, monitor, module loader, env store,
// socket reactor, and harbor hook — into the concrete Runtime that
// implements svc.Kernel, scheduler.Resolver, and monitor.Lookup. Grounded
// on the teacher's top-level wiring idiom in cmd/sysbox-fs/main.go (build
// each subsystem, call its Setup-style constructor, start goroutines, wait
// on a shutdown signal) and state/container.go's refcount discipline for
// the create -> init -> retire -> release lifecycle this package drives
// end to end.
package runtime

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/env"
	"github.com/opencore-labs/skynet-go/internal/errs"
	"github.com/opencore-labs/skynet-go/internal/handle"
	"github.com/opencore-labs/skynet-go/internal/harbor"
	"github.com/opencore-labs/skynet-go/internal/mailbox"
	"github.com/opencore-labs/skynet-go/internal/framer"
	"github.com/opencore-labs/skynet-go/internal/module"
	"github.com/opencore-labs/skynet-go/internal/monitor"
	"github.com/opencore-labs/skynet-go/internal/reactor"
	"github.com/opencore-labs/skynet-go/internal/scheduler"
	"github.com/opencore-labs/skynet-go/internal/svc"
	"github.com/opencore-labs/skynet-go/internal/timer"
)

// Runtime is one node's complete actor system.
type Runtime struct {
	node uint8

	registry *handle.Registry
	ready    *mailbox.Queue
	envs     *env.Store
	wheel    *timer.Wheel
	mon      *monitor.Monitor
	loader   *module.Loader
	pool     *scheduler.Pool
	harborH  harbor.Harbor
	react    *reactor.Reactor // nil if this platform/sandbox couldn't set up epoll

	mu        sync.Mutex
	byMailbox map[*mailbox.Mailbox]*svc.Context

	abortOnce sync.Once
	abortCh   chan struct{}
}

// Options configures a Runtime, mirroring the recognized config.Config
// fields (spec.md §5).
type Options struct {
	Node        uint8
	WorkerCount int // defaults to 8, spec.md's "thread" default
	Harbor      harbor.Harbor
}

// New builds a fully wired but not-yet-running Runtime.
func New(opts Options) *Runtime {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 8
	}
	if opts.Harbor == nil {
		opts.Harbor = harbor.Nop{}
	}

	rt := &Runtime{
		node:      opts.Node,
		registry:  handle.New(opts.Node),
		ready:     mailbox.NewQueue(),
		envs:      env.New(),
		loader:    module.New(),
		harborH:   opts.Harbor,
		byMailbox: make(map[*mailbox.Mailbox]*svc.Context),
		abortCh:   make(chan struct{}),
	}

	rt.wheel = timer.New(rt.fireTimer)

	weights := make([]int, opts.WorkerCount)
	for i := range weights {
		weights[i] = 0 // batch size 1<<0 = 1 by default; callers may tune per worker
	}
	rt.mon = monitor.New(len(weights), rt.lookupMonitor)
	rt.pool = scheduler.NewPool(rt.ready, rt.resolve, weights, rt.mon)

	react, err := reactor.New(rt.deliverSocket, framer.NewTable())
	if err != nil {
		logrus.Errorf("skynet: socket reactor unavailable, socket operations will fail: %v", err)
	} else {
		rt.react = react
	}

	return rt
}

// Run starts the timer, monitor, reactor, and worker pool goroutines. Call
// Stop to tear them down in reverse order.
func (rt *Runtime) Run(ctx context.Context) {
	rt.wheel.Run()
	rt.mon.Run()
	if rt.react != nil {
		go rt.react.Run()
	}
	rt.pool.Run(ctx)
}

// Stop halts every long-lived goroutine this Runtime owns.
func (rt *Runtime) Stop() {
	rt.pool.Stop()
	if rt.react != nil {
		rt.react.Stop()
		rt.react.Close()
	}
	rt.mon.Stop()
	rt.wheel.Stop()
}

// RegisterModule adds a module vtable directly (the in-process path most
// tests and the bootstrap's built-in services use instead of the on-disk
// plugin resolver).
func (rt *Runtime) RegisterModule(mod domain.Module) error {
	return rt.loader.Register(mod)
}

// SetPluginResolver installs the fallback on-disk module resolver.
func (rt *Runtime) SetPluginResolver(r module.Resolver) {
	rt.loader.SetResolver(r)
}

// AbortRequested reports whether ABORT has been invoked; the bootstrap
// glue's main loop watches this (or the channel from AbortChan) to know
// when to begin shutdown.
func (rt *Runtime) AbortRequested() bool {
	select {
	case <-rt.abortCh:
		return true
	default:
		return false
	}
}

// AbortChan returns a channel closed exactly once ABORT fires.
func (rt *Runtime) AbortChan() <-chan struct{} { return rt.abortCh }

// --- svc.Kernel ---

func (rt *Runtime) NodePrefix() uint8 { return rt.node }

func (rt *Runtime) Grab(h domain.Handle) (*svc.Context, bool) {
	entry, ok := rt.registry.Grab(h)
	if !ok {
		return nil, false
	}
	ctx, ok := entry.(*svc.Context)
	if !ok {
		entry.Release()
		return nil, false
	}
	return ctx, true
}

func (rt *Runtime) ReadyQueue() *mailbox.Queue { return rt.ready }

func (rt *Runtime) FindName(name string) (domain.Handle, bool) { return rt.registry.Find(name) }

func (rt *Runtime) RegisterName(h domain.Handle, name string) bool {
	return rt.registry.Name(h, name)
}

// Retire implements the full teardown sequence (spec.md §3 invariant ii):
// clear the registry slot, drop the creator's reference share, run the
// module's Release hook once the count reaches zero, and synthesize an
// ERROR reply to the sender of every message still sitting in the dying
// mailbox (the "drop handler", spec.md §4.9/§7).
func (rt *Runtime) Retire(h domain.Handle) bool {
	entry, ok := rt.registry.Grab(h)
	if !ok {
		return false
	}
	ctx, ok := entry.(*svc.Context)
	entry.Release()
	if !ok {
		return false
	}

	removed := rt.registry.Retire(h)
	if !removed {
		return false
	}

	rt.mu.Lock()
	delete(rt.byMailbox, ctx.Mailbox())
	rt.mu.Unlock()

	for _, msg := range ctx.Mailbox().Drain() {
		if msg.Session != 0 {
			rt.dropMessage(msg)
		}
	}

	if ctx.Release() == 0 {
		ctx.ReleaseModule()
	}

	return true
}

func (rt *Runtime) dropMessage(msg domain.Message) {
	entry, ok := rt.registry.Grab(msg.Source)
	if !ok {
		return
	}
	defer entry.Release()
	ctx, ok := entry.(*svc.Context)
	if !ok {
		return
	}

	errMsg := domain.Message{Session: msg.Session, Type: domain.PTypeError}
	if ctx.Mailbox().Push(errMsg) {
		rt.ready.Push(ctx.Mailbox())
	}
}

func (rt *Runtime) EnvGet(key string) (string, bool) { return rt.envs.Get(key) }
func (rt *Runtime) EnvSet(key, value string)          { rt.envs.Set(key, value) }

func (rt *Runtime) Timeout(h domain.Handle, ticks uint32, session int32) int32 {
	return rt.wheel.Timeout(h, ticks, session)
}

func (rt *Runtime) fireTimer(h domain.Handle, session int32) {
	ctx, ok := rt.Grab(h)
	if !ok {
		return
	}
	defer ctx.Release()

	msg := domain.Message{Session: session, Type: domain.PTypeResponse}
	if ctx.Mailbox().Push(msg) {
		rt.ready.Push(ctx.Mailbox())
	}
}

func (rt *Runtime) StartTime() int64 { return rt.wheel.StartTime() }
func (rt *Runtime) Now() uint32      { return rt.wheel.Now() }

// Launch resolves modname via the module loader, creates and initializes
// its state, registers it in the handle table, and wires its mailbox into
// the scheduler's resolver table. The handle is not returned to the caller
// (and so is not externally visible, spec.md §3 invariant iii) until Init
// has completed.
func (rt *Runtime) Launch(modname, args string) (domain.Handle, error) {
	mod, err := rt.loader.Resolve(modname)
	if err != nil {
		return domain.NoHandle, err
	}

	state, err := mod.Create()
	if err != nil {
		return domain.NoHandle, errs.New(errs.Module, "module %q create: %v", modname, err)
	}

	ctx := svc.New(rt, modname, mod, state)
	h := rt.registry.Register(ctx)
	ctx.Bind(h)
	ctx.Mailbox().SetOverloadFunc(func(n int) {
		logrus.Warnf("skynet: service %s may overload, message queue length = %d", h, n)
	})

	rt.mu.Lock()
	rt.byMailbox[ctx.Mailbox()] = ctx
	rt.mu.Unlock()

	if err := mod.Init(ctx, state, args); err != nil {
		rt.registry.Retire(h)
		rt.mu.Lock()
		delete(rt.byMailbox, ctx.Mailbox())
		rt.mu.Unlock()
		return domain.NoHandle, errs.New(errs.Module, "module %q init: %v", modname, err)
	}

	ctx.MarkInitialized()
	return h, nil
}

// Abort implements the ABORT command: closes abortCh exactly once so every
// waiter (the bootstrap main loop, tests) observes it.
func (rt *Runtime) Abort() {
	rt.abortOnce.Do(func() { close(rt.abortCh) })
}

func (rt *Runtime) ForwardRemote(dest domain.Handle, msg domain.Message) error {
	return rt.harborH.Forward(context.Background(), dest, msg)
}

// ForwardRemoteName accepts the skynet-style "name@node" convention for a
// bare remote address; a name with no "@node" suffix has no way to select
// a harbor target and fails fast rather than guessing.
func (rt *Runtime) ForwardRemoteName(name string, msg domain.Message) error {
	local, node, ok := splitRemoteName(name)
	if !ok {
		return errs.New(errs.SendUnknown, "remote name %q missing @node suffix", name)
	}
	return rt.harborH.ForwardName(context.Background(), node, local, msg)
}

func splitRemoteName(name string) (local string, node uint8, ok bool) {
	idx := strings.LastIndexByte(name, '@')
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil || n < 0 || n > 255 {
		return "", 0, false
	}
	return name[:idx], uint8(n), true
}

// --- scheduler.Resolver ---

func (rt *Runtime) resolve(mb *mailbox.Mailbox) (scheduler.Dispatcher, bool) {
	rt.mu.Lock()
	ctx, ok := rt.byMailbox[mb]
	rt.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ctx, true
}

// --- monitor.Lookup ---

func (rt *Runtime) lookupMonitor(h domain.Handle) (monitor.EndlessSetter, bool) {
	ctx, ok := rt.Grab(h)
	if !ok {
		return nil, false
	}
	defer ctx.Release()
	return ctx, true
}

// RegistryLen exposes the live-handle count for diagnostics/tests.
func (rt *Runtime) RegistryLen() int { return rt.registry.Len() }

// DeliverInbound hands a message that arrived from a remote node's harbor to
// its local destination, resolved either by handle or (if name is non-empty)
// by registered name. Unknown destinations are silently dropped: there is no
// sender on this node to report a send-to-unknown error back to.
func (rt *Runtime) DeliverInbound(dest domain.Handle, name string, msg domain.Message) {
	h := dest
	if name != "" {
		found, ok := rt.FindName(name)
		if !ok {
			return
		}
		h = found
	}

	entry, ok := rt.registry.Grab(h)
	if !ok {
		return
	}
	defer entry.Release()
	ctx, ok := entry.(*svc.Context)
	if !ok {
		return
	}

	if ctx.Mailbox().Push(msg) {
		rt.ready.Push(ctx.Mailbox())
	}
}

// --- socket reactor wiring ---

var errReactorUnavailable = errs.New(errs.Socket, "socket reactor unavailable")

func (rt *Runtime) SocketListen(owner domain.Handle, addr string) (int32, string, error) {
	if rt.react == nil {
		return 0, "", errReactorUnavailable
	}
	return rt.react.Listen(owner, addr)
}

func (rt *Runtime) SocketConnect(owner domain.Handle, addr string) (int32, error) {
	if rt.react == nil {
		return 0, errReactorUnavailable
	}
	return rt.react.Connect(owner, addr)
}

func (rt *Runtime) SocketSend(id int32, data []byte, highPriority bool) error {
	if rt.react == nil {
		return errReactorUnavailable
	}
	return rt.react.Send(id, data, highPriority)
}

func (rt *Runtime) SocketClose(id int32) error {
	if rt.react == nil {
		return errReactorUnavailable
	}
	return rt.react.Close(id)
}

// deliverSocket is the reactor's Delivery callback: it wraps the socket
// envelope as a PTypeSocket message and pushes it into owner's mailbox,
// the same pattern fireTimer and DeliverInbound use.
func (rt *Runtime) deliverSocket(owner domain.Handle, envelope []byte) {
	entry, ok := rt.registry.Grab(owner)
	if !ok {
		return
	}
	defer entry.Release()
	ctx, ok := entry.(*svc.Context)
	if !ok {
		return
	}

	msg := domain.Message{Type: domain.PTypeSocket, Payload: envelope}
	if ctx.Mailbox().Push(msg) {
		rt.ready.Push(ctx.Mailbox())
	}
}

func init() {
	// Quiet the default "text" formatter's field-quoting heuristics so
	// handle strings like ":00000001" print unquoted in log lines, matching
	// the address-on-the-wire convention from spec.md §8.
	if f, ok := logrus.StandardLogger().Formatter.(*logrus.TextFormatter); ok {
		f.DisableQuote = true
	}
}
