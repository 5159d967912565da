// Package reactor implements the socket reactor (spec.md §4.6): one epoll
// instance, a control pipe used to wake the poll loop for registration
// changes issued from other goroutines, and a per-fd state machine that
// tracks read/write readiness and buffered I/O. Grounded on the teacher's
// syscall-level goroutine idiom (nsenter/event.go, seccomp/mountCommon.go)
// which drives golang.org/x/sys/unix directly rather than net.Conn, and on
// seccomp/pidTracker.go's single-goroutine-owns-the-table discipline
// (avoids locking the fd table from multiple goroutines by funnelling all
// mutations through the control pipe).
package reactor

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/framer"
)

// connState is the per-socket state (spec.md §4.6), plus BIND for an
// externally-supplied fd (stdin, a socketpair half handed in by the caller)
// that is already duplex-ready. A listen socket is registered directly in
// LISTEN, an outbound socket in CONNECTING (or CONNECTED when the connect
// completes at once), an accepted socket goes PACCEPT -> CONNECTED, and a
// peer EOF goes HALFCLOSE -> INVALID. RESERVE and PLISTEN are declared but
// no code path enters them.
type connState int

const (
	stateInvalid connState = iota
	stateReserve
	statePListen
	statePAccept
	stateConnecting
	stateListen
	stateConnected
	stateHalfClose
	stateBind
)

// backpressureWarnBytes is the write-buffer watermark (1 MiB) past which
// the reactor emits a SOCKET_WARNING, per spec.md §4.6.
const backpressureWarnBytes = 1 << 20

// Socket message kinds, carried as the first byte of the envelope Delivery
// hands to the runtime (skynet_socket.c's SKYNET_SOCKET_TYPE_* switch).
const (
	EventData uint8 = iota
	EventConnect
	EventClose
	EventAccept
	EventError
	EventWarning
	EventUDP
)

// Delivery is what the reactor hands to the runtime for every socket event:
// the owning handle and an envelope (see encodeEnvelope/DecodeEnvelope).
type Delivery func(owner domain.Handle, envelope []byte)

// encodeEnvelope packs a socket event into the PTypeSocket payload: 1-byte
// kind, 4-byte big-endian socket id, then the event body (received bytes
// for EventData/EventUDP, a short diagnostic string otherwise).
func encodeEnvelope(kind uint8, id int32, body []byte) []byte {
	out := make([]byte, 5+len(body))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:5], uint32(id))
	copy(out[5:], body)
	return out
}

// DecodeEnvelope unpacks a PTypeSocket message payload produced by the
// reactor. ok is false if payload is too short to be a valid envelope.
func DecodeEnvelope(payload []byte) (kind uint8, id int32, body []byte, ok bool) {
	if len(payload) < 5 {
		return 0, 0, nil, false
	}
	return payload[0], int32(binary.BigEndian.Uint32(payload[1:5])), payload[5:], true
}

// conn tracks one socket's buffered I/O state. Framing progress itself
// lives in the Reactor's shared framer.Table, keyed by fd.
type conn struct {
	id         int32
	fd         int
	owner      domain.Handle
	state      connState
	isUDP      bool
	isListener bool
	peer       unix.Sockaddr // set for UDP (datagram oriented) and connected TCP
	writeHi    [][]byte      // spec.md §4.6 "two lists per socket" — lsend
	writeLo    [][]byte      // send
	warned     bool
}

func (c *conn) writeQueueLen() int {
	n := 0
	for _, b := range c.writeHi {
		n += len(b)
	}
	for _, b := range c.writeLo {
		n += len(b)
	}
	return n
}

type ctlOp struct {
	kind    int
	fd      int
	owner   domain.Handle
	id      int32
	isUDP   bool
	data    []byte
	high    bool
	connect bool // for opRegister: true if the connect is still in-flight (EINPROGRESS)
}

const (
	opAdd = iota
	opRegister
	opListen
	opWrite
	opClose
)

// Reactor owns one epoll fd and a private goroutine that is the sole
// mutator of the conns table, per spec.md §4.6 ("single poll thread;
// multiplexed with a pipe for cross-thread wakeups").
type Reactor struct {
	epfd    int
	ctlR    int
	ctlW    int
	deliver Delivery
	frames  *framer.Table

	idSeq int32 // atomic; socket ids are allocated off the caller's goroutine

	mu   sync.Mutex // guards ctlQ only; conns is owned by the loop goroutine
	ctlQ []ctlOp

	conns map[int]*conn   // by fd, for epoll dispatch
	byID  map[int32]*conn // by socket id, for Send/Close callers
	stop  chan struct{}
	done  chan struct{}
}

// New creates a Reactor. Call Run in its own goroutine, then Stop to tear
// it down.
func New(deliver Delivery, frames *framer.Table) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		epfd:    epfd,
		ctlR:    fds[0],
		ctlW:    fds[1],
		deliver: deliver,
		frames:  frames,
		conns:   make(map[int]*conn),
		byID:    make(map[int32]*conn),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.ctlR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.ctlR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	return r, nil
}

// Close releases the epoll fd and control pipe. Call after Stop returns.
func (r *Reactor) Close() {
	unix.Close(r.epfd)
	unix.Close(r.ctlR)
	unix.Close(r.ctlW)
}

// allocID hands out the next socket id. Grounded on spec.md §3's "pool
// indexed by counter mod pool size with high-bit collision guard": the id
// is the raw monotonic counter, so a stale id from a since-recycled fd
// never aliases a live one (the counter only repeats after 2^31 sockets).
func (r *Reactor) allocID() int32 {
	for {
		id := atomic.AddInt32(&r.idSeq, 1)
		if id > 0 {
			return id
		}
		// Wrapped past int32 max; 0 is reserved, keep spinning past it.
		atomic.CompareAndSwapInt32(&r.idSeq, id, 0)
	}
}

// Register adds fd (already connected, e.g. a socketpair half or an
// inherited stdin/stdout descriptor) to the poll set as a BIND socket,
// associated with owner for delivery purposes. Returns the allocated id.
func (r *Reactor) Register(fd int, owner domain.Handle, isUDP bool) int32 {
	id := r.allocID()
	r.pushCtl(ctlOp{kind: opAdd, fd: fd, owner: owner, isUDP: isUDP, id: id})
	return id
}

// Write enqueues data for asynchronous delivery on fd, in the low-priority
// queue. Kept for callers still addressing sockets by fd (tests); new
// callers should prefer Send, which addresses by id.
func (r *Reactor) Write(fd int, data []byte) {
	r.pushCtl(ctlOp{kind: opWrite, fd: fd, data: data})
}

// CloseConn requests fd be shut down and removed from the poll set.
func (r *Reactor) CloseConn(fd int) {
	r.pushCtl(ctlOp{kind: opClose, fd: fd})
}

func (r *Reactor) pushCtl(op ctlOp) {
	r.mu.Lock()
	r.ctlQ = append(r.ctlQ, op)
	r.mu.Unlock()
	// Wake the poll loop; a single byte is enough, EPOLLIN is level
	// triggered so coalesced wakeups are harmless.
	unix.Write(r.ctlW, []byte{0})
}

func (r *Reactor) drainCtl() []ctlOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ctlQ
	r.ctlQ = nil
	return ops
}

// Run is the poll loop. It blocks until Stop is called.
func (r *Reactor) Run() {
	defer close(r.done)

	events := make([]unix.EpollEvent, 64)
	wake := make([]byte, 64)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logrus.Errorf("skynet: reactor epoll_wait: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == r.ctlR {
				unix.Read(r.ctlR, wake)
				r.applyCtl()
				continue
			}

			r.handleEvent(fd, ev.Events)
		}
	}
}

// Stop requests the poll loop exit and waits for it.
func (r *Reactor) Stop() {
	close(r.stop)
	unix.Write(r.ctlW, []byte{0})
	<-r.done
}

func (r *Reactor) epollAdd(fd int, events uint32) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) register(c *conn) {
	r.conns[c.fd] = c
	r.byID[c.id] = c
}

// lookupOp resolves a ctlOp's target conn, by id when the caller addressed
// the socket by id (Send/Close), falling back to fd for the older
// fd-addressed Write/CloseConn path. Only ever called from the loop
// goroutine, where conns/byID are safe to read without a lock.
func (r *Reactor) lookupOp(op ctlOp) *conn {
	if op.id != 0 {
		return r.byID[op.id]
	}
	return r.conns[op.fd]
}

func (r *Reactor) applyCtl() {
	for _, op := range r.drainCtl() {
		switch op.kind {
		case opAdd:
			c := &conn{id: op.id, fd: op.fd, owner: op.owner, state: stateBind, isUDP: op.isUDP}
			r.register(c)
			r.epollAdd(op.fd, unix.EPOLLIN|unix.EPOLLOUT)

		case opListen:
			c := &conn{id: op.id, fd: op.fd, owner: op.owner, state: stateListen, isListener: true}
			r.register(c)
			r.epollAdd(op.fd, unix.EPOLLIN)

		case opRegister:
			state := stateConnected
			events := uint32(unix.EPOLLIN | unix.EPOLLOUT)
			if op.connect {
				state = stateConnecting
				events = unix.EPOLLOUT
			}
			c := &conn{id: op.id, fd: op.fd, owner: op.owner, state: state}
			r.register(c)
			r.epollAdd(op.fd, events)
			if state == stateConnected {
				r.deliver(c.owner, encodeEnvelope(EventConnect, c.id, nil))
			}

		case opWrite:
			c := r.lookupOp(op)
			if c == nil {
				continue
			}
			if op.high {
				c.writeHi = append(c.writeHi, op.data)
			} else {
				c.writeLo = append(c.writeLo, op.data)
			}
			r.checkBackpressure(c)
			r.flush(c)

		case opClose:
			c := r.lookupOp(op)
			if c == nil {
				continue
			}
			r.closeConn(c.fd)
		}
	}
}

func (r *Reactor) handleEvent(fd int, events uint32) {
	c, ok := r.conns[fd]
	if !ok {
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if c.state == stateConnecting {
			r.finishConnect(c)
			return
		}
		r.closeConnErr(fd, "epoll reported HUP/ERR")
		return
	}

	if c.state == stateConnecting {
		r.finishConnect(c)
		return
	}

	if c.isListener {
		if events&unix.EPOLLIN != 0 {
			r.acceptReady(c)
		}
		return
	}

	if events&unix.EPOLLIN != 0 {
		r.readReady(c)
	}
	if events&unix.EPOLLOUT != 0 {
		r.flush(c)
	}
}

// finishConnect resolves a CONNECTING socket on its first write-ready (or
// error) event, per spec.md §4.6 ("a non-blocking connect that returns
// EINPROGRESS enters CONNECTING and is resolved on the next write-ready
// event").
func (r *Reactor) finishConnect(c *conn) {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		r.closeConnErr(c.fd, "connect failed")
		return
	}
	c.state = stateConnected
	r.deliver(c.owner, encodeEnvelope(EventConnect, c.id, nil))
}

func (r *Reactor) acceptReady(c *conn) {
	for {
		fd, sa, err := unix.Accept(c.fd)
		if err != nil {
			if err != unix.EAGAIN {
				logrus.Warnf("skynet: accept on fd %d: %v", c.fd, err)
			}
			return
		}
		unix.SetNonblock(fd, true)

		id := r.allocID()
		nc := &conn{id: id, fd: fd, owner: c.owner, state: statePAccept, peer: sa}
		r.register(nc)
		r.epollAdd(fd, unix.EPOLLIN|unix.EPOLLOUT)
		nc.state = stateConnected
		r.deliver(c.owner, encodeEnvelope(EventAccept, id, nil))
	}
}

func (r *Reactor) readReady(c *conn) {
	if c.isUDP {
		r.udpReadReady(c)
		return
	}

	buf := make([]byte, 65536)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err != unix.EAGAIN {
			r.closeConnErr(c.fd, err.Error())
		}
		return
	}
	if n == 0 {
		r.beginHalfClose(c)
		return
	}

	frames, _ := r.frames.Feed(c.fd, buf[:n])
	for _, f := range frames {
		r.deliver(c.owner, encodeEnvelope(EventData, c.id, f))
	}
}

// beginHalfClose handles a peer EOF: per spec.md §4.6 HALFCLOSE drains any
// buffered local writes before the fd is actually closed.
func (r *Reactor) beginHalfClose(c *conn) {
	c.state = stateHalfClose
	if c.writeQueueLen() == 0 {
		r.closeConn(c.fd)
	}
}

// flush processes at most one chunk from c's write queues per call — the
// send-quota invariant of spec.md §4.6 ("each reactor loop iteration
// processes at most one chunk from a given socket's write queue … so a
// single socket can't starve others"). High priority is drained ahead of
// low priority, matching skynet's lsend/send split.
func (r *Reactor) flush(c *conn) {
	q := &c.writeHi
	if len(*q) == 0 {
		q = &c.writeLo
	}
	if len(*q) == 0 {
		if c.state == stateHalfClose {
			r.closeConn(c.fd)
		}
		return
	}

	buf := (*q)[0]

	var n int
	var err error
	if c.isUDP {
		err = r.udpWrite(c, buf)
		n = len(buf)
	} else {
		n, err = unix.Write(c.fd, buf)
	}

	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		r.closeConnErr(c.fd, err.Error())
		return
	}

	if n < len(buf) {
		(*q)[0] = buf[n:]
		return
	}

	*q = (*q)[1:]
	if len(c.writeHi) == 0 && len(c.writeLo) == 0 && c.state == stateHalfClose {
		r.closeConn(c.fd)
	}
}

// checkBackpressure emits one SOCKET_WARNING per crossing of the 1 MiB
// write-buffer watermark, per spec.md §4.6, and resets once drained below
// it so the next crossing warns again.
func (r *Reactor) checkBackpressure(c *conn) {
	total := c.writeQueueLen()
	if total > backpressureWarnBytes && !c.warned {
		c.warned = true
		r.deliver(c.owner, encodeEnvelope(EventWarning, c.id, []byte("write buffer exceeds 1MiB")))
	} else if total <= backpressureWarnBytes {
		c.warned = false
	}
}

// closeConn tears down fd cleanly (peer EOF already drained) and reports a
// SOCKET_CLOSE to the owner.
func (r *Reactor) closeConn(fd int) {
	c := r.teardown(fd)
	if c == nil {
		return
	}
	r.deliver(c.owner, encodeEnvelope(EventClose, c.id, nil))
}

// closeConnErr tears down fd after a failure and reports SOCKET_ERROR with
// a short diagnostic, per spec.md §7.
func (r *Reactor) closeConnErr(fd int, reason string) {
	c := r.teardown(fd)
	if c == nil {
		return
	}
	r.deliver(c.owner, encodeEnvelope(EventError, c.id, []byte(reason)))
}

func (r *Reactor) teardown(fd int) *conn {
	c, ok := r.conns[fd]
	if !ok {
		return nil
	}
	c.state = stateInvalid
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
	delete(r.conns, fd)
	delete(r.byID, c.id)
	r.frames.Drop(fd)
	return c
}
