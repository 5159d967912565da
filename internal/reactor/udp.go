package reactor

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// UDP peer addresses are carried inline in the payload as a 19-byte blob
// (spec.md §4.6): family tag, big-endian port, then a 4 or 16 byte address
// (padded to 16 so every encoding is a fixed 19 bytes).
const (
	peerBlobSize = 19

	familyV4 = 1
	familyV6 = 2
)

var errBadPeerBlob = errors.New("reactor: malformed UDP peer blob")

// EncodePeer renders a sockaddr as the fixed 19-byte peer blob.
func EncodePeer(sa unix.Sockaddr) []byte {
	out := make([]byte, peerBlobSize)
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		out[0] = familyV4
		binary.BigEndian.PutUint16(out[1:3], uint16(a.Port))
		copy(out[3:7], a.Addr[:])
	case *unix.SockaddrInet6:
		out[0] = familyV6
		binary.BigEndian.PutUint16(out[1:3], uint16(a.Port))
		copy(out[3:19], a.Addr[:])
	}
	return out
}

// DecodePeer parses a 19-byte peer blob back into a sockaddr usable with
// Sendto.
func DecodePeer(blob []byte) (unix.Sockaddr, error) {
	if len(blob) != peerBlobSize {
		return nil, errBadPeerBlob
	}

	port := int(binary.BigEndian.Uint16(blob[1:3]))
	switch blob[0] {
	case familyV4:
		var addr [4]byte
		copy(addr[:], blob[3:7])
		return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
	case familyV6:
		var addr [16]byte
		copy(addr[:], blob[3:19])
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	default:
		return nil, errBadPeerBlob
	}
}

// udpReadReady receives one datagram and delivers it to the owner with the
// sender's peer blob prefixed, per spec.md §4.6.
func (r *Reactor) udpReadReady(c *conn) {
	buf := make([]byte, 65536)
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if err != unix.EAGAIN {
			r.closeConn(c.fd)
		}
		return
	}

	msg := make([]byte, 0, peerBlobSize+n)
	msg = append(msg, EncodePeer(from)...)
	msg = append(msg, buf[:n]...)
	r.deliver(c.owner, encodeEnvelope(EventUDP, c.id, msg))
}

// udpWrite sends one datagram. data must be prefixed with a 19-byte peer
// blob unless c has a cached "connected" peer.
func (r *Reactor) udpWrite(c *conn, data []byte) error {
	peer := c.peer
	payload := data

	if len(data) >= peerBlobSize {
		if p, err := DecodePeer(data[:peerBlobSize]); err == nil {
			peer = p
			payload = data[peerBlobSize:]
		}
	}

	if peer == nil {
		return errors.New("reactor: UDP send with no peer and no connected default")
	}

	return unix.Sendto(c.fd, payload, 0, peer)
}
