package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/framer"
)

// TestS4FrameDeliveryOverSocketpair implements scenario S4: bytes written
// to one end of a connected socketpair arrive, framed, at the reactor's
// delivery callback for the owner handle registered on the other end.
func TestS4FrameDeliveryOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	delivered := make(chan []byte, 4)
	r, err := New(func(owner domain.Handle, data []byte) {
		delivered <- data
	}, framer.NewTable())
	require.NoError(t, err)
	go r.Run()
	defer func() {
		r.Stop()
		r.Close()
	}()

	owner := domain.MakeHandle(0, 5)
	unix.SetNonblock(fds[0], true)
	r.Register(fds[0], owner, false)

	frame := []byte{0, 3, 'h', 'i', '!'}
	_, err = unix.Write(fds[1], frame)
	require.NoError(t, err)

	select {
	case got := <-delivered:
		kind, _, body, ok := DecodeEnvelope(got)
		require.True(t, ok)
		assert.Equal(t, EventData, kind)
		assert.Equal(t, []byte("hi!"), body)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	unix.Close(fds[1])
}

func TestWriteFlushesToPeer(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	r, err := New(func(domain.Handle, []byte) {}, framer.NewTable())
	require.NoError(t, err)
	go r.Run()
	defer func() {
		r.Stop()
		r.Close()
	}()

	unix.SetNonblock(fds[0], true)
	r.Register(fds[0], domain.MakeHandle(0, 1), false)
	r.Write(fds[0], []byte{0, 2, 'o', 'k'})

	buf := make([]byte, 16)
	unix.SetNonblock(fds[1], false)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2, 'o', 'k'}, buf[:n])

	unix.Close(fds[1])
}

func TestEncodeDecodePeerRoundTripV4(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{127, 0, 0, 1}}
	blob := EncodePeer(sa)
	assert.Len(t, blob, peerBlobSize)

	back, err := DecodePeer(blob)
	require.NoError(t, err)
	v4, ok := back.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 4242, v4.Port)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, v4.Addr)
}

func TestEncodeDecodePeerRoundTripV6(t *testing.T) {
	sa := &unix.SockaddrInet6{Port: 53, Addr: [16]byte{0: 0x20, 1: 0x01}}
	blob := EncodePeer(sa)
	assert.Len(t, blob, peerBlobSize)

	back, err := DecodePeer(blob)
	require.NoError(t, err)
	v6, ok := back.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, 53, v6.Port)
}

func TestDecodePeerRejectsWrongLength(t *testing.T) {
	_, err := DecodePeer([]byte{1, 2, 3})
	assert.Error(t, err)
}

type envelopeRecorder struct {
	ch chan []byte
}

func newEnvelopeRecorder() *envelopeRecorder { return &envelopeRecorder{ch: make(chan []byte, 16)} }

func (e *envelopeRecorder) deliver(owner domain.Handle, data []byte) { e.ch <- data }

func (e *envelopeRecorder) next(t *testing.T) (uint8, int32, []byte) {
	t.Helper()
	select {
	case data := <-e.ch:
		kind, id, body, ok := DecodeEnvelope(data)
		require.True(t, ok)
		return kind, id, body
	case <-time.After(2 * time.Second):
		t.Fatal("no socket event delivered")
		return 0, 0, nil
	}
}

// TestListenAcceptConnectDeliversLifecycleEvents exercises the
// listen/connect/accept path (LISTEN, CONNECTING->CONNECTED, PACCEPT->
// CONNECTED): a server Reactor
// listens, a client Reactor connects, and both sides see their connection
// events plus a framed data delivery.
func TestListenAcceptConnectDeliversLifecycleEvents(t *testing.T) {
	serverRec := newEnvelopeRecorder()
	server, err := New(serverRec.deliver, framer.NewTable())
	require.NoError(t, err)
	go server.Run()
	defer func() { server.Stop(); server.Close() }()

	serverOwner := domain.MakeHandle(0, 1)
	_, addr, err := server.Listen(serverOwner, "127.0.0.1:0")
	require.NoError(t, err)

	clientRec := newEnvelopeRecorder()
	client, err := New(clientRec.deliver, framer.NewTable())
	require.NoError(t, err)
	go client.Run()
	defer func() { client.Stop(); client.Close() }()

	clientOwner := domain.MakeHandle(0, 2)
	clientID, err := client.Connect(clientOwner, addr)
	require.NoError(t, err)

	kind, _, _ := clientRec.next(t)
	assert.Equal(t, EventConnect, kind, "client must see its CONNECTING socket resolve to CONNECTED")

	kind, serverSideID, _ := serverRec.next(t)
	assert.Equal(t, EventAccept, kind, "server must see an accepted socket")
	require.NoError(t, server.Send(serverSideID, []byte{0, 2, 'h', 'i'}, false))

	kind, _, body := clientRec.next(t)
	assert.Equal(t, EventData, kind)
	assert.Equal(t, []byte("hi"), body)

	require.NoError(t, client.Close(clientID))
}

// TestSendQuotaOneChunkPerFlush verifies spec.md §4.6's send-quota
// invariant directly against flush: a second queued chunk is not written
// until flush runs again.
func TestSendQuotaOneChunkPerFlush(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	r := &Reactor{conns: map[int]*conn{}, byID: map[int32]*conn{}}
	c := &conn{id: 1, fd: fds[0]}
	r.conns[fds[0]] = c
	c.writeLo = [][]byte{[]byte("one"), []byte("two")}

	r.flush(c)
	require.Len(t, c.writeLo, 1, "flush must consume exactly one queued chunk")

	buf := make([]byte, 16)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	r.flush(c)
	require.Len(t, c.writeLo, 0)
	n, err = unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))
}

// TestHighPriorityQueueDrainsBeforeLow verifies the two-list-per-socket
// priority split: a high priority chunk is written ahead of an
// already-queued low priority one.
func TestHighPriorityQueueDrainsBeforeLow(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	r := &Reactor{conns: map[int]*conn{}, byID: map[int32]*conn{}}
	c := &conn{id: 1, fd: fds[0]}
	r.conns[fds[0]] = c
	c.writeLo = [][]byte{[]byte("low")}
	c.writeHi = [][]byte{[]byte("high")}

	r.flush(c)

	buf := make([]byte, 16)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	assert.Equal(t, "high", string(buf[:n]), "high priority queue must drain first")
	assert.Len(t, c.writeHi, 0)
	assert.Len(t, c.writeLo, 1)
}

// TestPeerEOFWithPendingWritesDefersClose covers HALFCLOSE: a peer EOF with
// unsent local data queued does not close the socket immediately.
func TestPeerEOFWithPendingWritesDefersClose(t *testing.T) {
	rec := newEnvelopeRecorder()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	r := &Reactor{conns: map[int]*conn{}, byID: map[int32]*conn{}, deliver: rec.deliver, frames: framer.NewTable()}
	c := &conn{id: 9, fd: fds[0], owner: domain.MakeHandle(0, 3)}
	r.conns[fds[0]] = c
	r.byID[c.id] = c
	c.writeLo = [][]byte{[]byte{0, 1, 'x'}}

	r.beginHalfClose(c)
	assert.Equal(t, stateHalfClose, c.state, "a HALFCLOSE socket with queued writes must not close yet")

	unix.Close(fds[1])
}

