package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/opencore-labs/skynet-go/domain"
)

// Listen creates, binds and arms a non-blocking TCP listen socket for addr
// ("host:port", with port 0 meaning "pick one"), handing it to owner. The
// accept loop runs inside the reactor's own goroutine once armed. Returns
// the allocated socket id and the address actually bound (resolving a
// requested port of 0 to the kernel-assigned one).
func (r *Reactor) Listen(owner domain.Handle, addr string) (int32, string, error) {
	fd, err := listenTCP(addr)
	if err != nil {
		return 0, "", err
	}

	bound, err := boundAddr(fd)
	if err != nil {
		unix.Close(fd)
		return 0, "", err
	}

	id := r.allocID()
	r.pushCtl(ctlOp{kind: opListen, fd: fd, owner: owner, id: id})
	return id, bound, nil
}

func boundAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port)), nil
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port)), nil
	default:
		return "", fmt.Errorf("reactor: unsupported sockaddr type %T", sa)
	}
}

// Connect resolves addr to a single IPv4 or IPv6 address
// (net.ResolveTCPAddr) and issues a non-blocking connect to it; other
// addresses the name may resolve to are not tried. A connect that returns
// EINPROGRESS enters CONNECTING and completes asynchronously, reported as
// an EventConnect (or EventError) message to owner; a connect that
// completes immediately is reported the same way from the control-apply
// path. Returns the allocated socket id.
func (r *Reactor) Connect(owner domain.Handle, addr string) (int32, error) {
	fd, sa, err := dialTCPNonblocking(addr)
	if err != nil {
		return 0, err
	}

	id := r.allocID()
	connecting := false
	if cerr := unix.Connect(fd, sa); cerr != nil {
		if cerr == unix.EINPROGRESS || cerr == unix.EAGAIN {
			connecting = true
		} else {
			unix.Close(fd)
			return 0, cerr
		}
	}

	r.pushCtl(ctlOp{kind: opRegister, fd: fd, owner: owner, id: id, connect: connecting})
	return id, nil
}

// Send enqueues data for asynchronous delivery on the socket identified by
// id, in the high or low priority write list per spec.md §4.6's "two lists
// per socket" (skynet's lsend vs send). The id->conn lookup happens inside
// the loop goroutine once the control op is applied, so this never touches
// conns/byID directly from the caller's goroutine.
func (r *Reactor) Send(id int32, data []byte, highPriority bool) error {
	if id == 0 {
		return fmt.Errorf("reactor: invalid socket id")
	}
	r.pushCtl(ctlOp{kind: opWrite, id: id, data: data, high: highPriority})
	return nil
}

// Close requests the socket identified by id be shut down and removed from
// the poll set.
func (r *Reactor) Close(id int32) error {
	if id == 0 {
		return fmt.Errorf("reactor: invalid socket id")
	}
	r.pushCtl(ctlOp{kind: opClose, id: id})
	return nil
}

// listenTCP creates, binds and arms a listening socket for addr, matching
// the teacher's raw-syscall idiom rather than net.Listen (so the returned
// fd can be registered directly with the reactor's own epoll set).
func listenTCP(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, err
	}

	domainFam := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domainFam = unix.AF_INET6
	}

	fd, err := unix.Socket(domainFam, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa, err := toSockaddr(domainFam, tcpAddr)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}
	unix.SetNonblock(fd, true)
	return fd, nil
}

// dialTCPNonblocking resolves addr and creates a non-blocking socket ready
// for Connect; it does not itself call connect().
func dialTCPNonblocking(addr string) (int, unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, nil, err
	}

	domainFam := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domainFam = unix.AF_INET6
	}

	fd, err := unix.Socket(domainFam, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}

	sa, err := toSockaddr(domainFam, tcpAddr)
	if err != nil {
		unix.Close(fd)
		return 0, nil, err
	}
	return fd, sa, nil
}

func toSockaddr(domainFam int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domainFam == unix.AF_INET6 {
		var a [16]byte
		if addr.IP != nil {
			copy(a[:], addr.IP.To16())
		}
		return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
	}
	var a [4]byte
	if ip := addr.IP; ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(a[:], v4)
		}
	}
	return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
}
