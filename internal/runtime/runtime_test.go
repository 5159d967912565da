package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencore-labs/skynet-go/domain"
)

// echoModule replies to every message that has a sender and a nonzero
// session with the same payload, tagged RESPONSE, back to the sender — the
// minimal module used across these integration tests (scenario S1's echo
// service).
type echoModule struct{}

func (echoModule) Name() string                  { return "echo" }
func (echoModule) Create() (interface{}, error)   { return nil, nil }
func (echoModule) Release(domain.Host, interface{}) {}
func (echoModule) Signal(domain.Host, interface{}, int) {}

func (echoModule) Init(host domain.Host, state interface{}, args string) error {
	host.SetCallback(func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) (bool, error) {
		if source != domain.NoHandle && session != 0 {
			h.Send(domain.NoHandle, source, domain.PTypeResponse, session, payload, 0)
		}
		return false, nil
	})
	return nil
}

func newTestRuntime(t *testing.T) (*Runtime, func()) {
	t.Helper()
	rt := New(Options{Node: 0, WorkerCount: 4})
	require.NoError(t, rt.RegisterModule(echoModule{}))

	ctx, cancel := context.WithCancel(context.Background())
	rt.Run(ctx)

	return rt, func() {
		cancel()
		rt.Stop()
	}
}

// TestS1EchoRoundTrip implements scenario S1: launch an echo service, send
// it a message from a tester service, and observe the RESPONSE with the same
// payload and session.
func TestS1EchoRoundTrip(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	probe, err := rt.Launch("echo", "")
	require.NoError(t, err)

	var mu sync.Mutex
	var got domain.Message
	received := make(chan struct{})

	callerMod := testerModule{
		onMsg: func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) {
			mu.Lock()
			got = domain.Message{Type: typ, Session: session, Source: source, Payload: payload}
			mu.Unlock()
			close(received)
		},
	}
	require.NoError(t, rt.RegisterModule(callerMod))
	caller, err := rt.Launch("tester", "")
	require.NoError(t, err)

	callerCtx, ok := rt.Grab(caller)
	require.True(t, ok)
	defer callerCtx.Release()

	session, err := callerCtx.Send(domain.NoHandle, probe, domain.PTypeText, 0, []byte("ping"), domain.TagAllocSession)
	require.NoError(t, err)
	require.Greater(t, session, int32(0))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("no response received")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.PTypeResponse, got.Type)
	assert.Equal(t, session, got.Session)
	assert.Equal(t, []byte("ping"), got.Payload)
}

// testerModule is a reusable harness module whose callback forwards every
// dispatch to onMsg, used by tests that need to observe what a service
// receives.
type testerModule struct {
	onMsg func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte)
}

func (testerModule) Name() string                      { return "tester" }
func (testerModule) Create() (interface{}, error)       { return nil, nil }
func (testerModule) Release(domain.Host, interface{})   {}
func (testerModule) Signal(domain.Host, interface{}, int) {}

func (m testerModule) Init(host domain.Host, state interface{}, args string) error {
	host.SetCallback(func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) (bool, error) {
		m.onMsg(h, typ, session, source, payload)
		return false, nil
	})
	return nil
}

func TestSendToUnknownHandleFails(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	probe, err := rt.Launch("echo", "")
	require.NoError(t, err)
	ctx, ok := rt.Grab(probe)
	require.True(t, ok)
	defer ctx.Release()

	bogus := domain.MakeHandle(0, 0xdeadbe)
	session, err := ctx.Send(domain.NoHandle, bogus, domain.PTypeText, 0, nil, 0)
	assert.Error(t, err)
	assert.EqualValues(t, -1, session)
}

// TestS3NameCollision implements scenario S3: register ".alpha" for one
// handle, then attempt to register it again for a different handle and
// observe rejection.
func TestS3NameCollision(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	a, err := rt.Launch("echo", "")
	require.NoError(t, err)
	b, err := rt.Launch("echo", "")
	require.NoError(t, err)

	assert.True(t, rt.RegisterName(a, "alpha"))
	assert.False(t, rt.RegisterName(b, "alpha"))

	found, ok := rt.FindName("alpha")
	require.True(t, ok)
	assert.Equal(t, a, found)
}

// TestRetireSynthesizesErrorToWaitingSender verifies the drop handler:
// retiring a service with an unanswered message still in its mailbox sends
// an ERROR reply (same session) back to the original sender.
func TestRetireSynthesizesErrorToWaitingSender(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	victim, err := rt.Launch("echo", "")
	require.NoError(t, err)

	received := make(chan domain.Message, 1)
	waiter := testerModule{onMsg: func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) {
		received <- domain.Message{Type: typ, Session: session}
	}}
	require.NoError(t, rt.RegisterModule(waiter))
	sender, err := rt.Launch("tester", "")
	require.NoError(t, err)

	senderCtx, ok := rt.Grab(sender)
	require.True(t, ok)
	defer senderCtx.Release()

	victimCtx, ok := rt.Grab(victim)
	require.True(t, ok)

	// Stuff a message directly into the victim's mailbox without draining
	// it (no scheduler worker will ever see it before retirement, since we
	// never push it onto the ready queue).
	victimCtx.Mailbox().Push(domain.Message{Source: sender, Session: 42, Type: domain.PTypeText})
	victimCtx.Release()

	require.True(t, rt.Retire(victim))

	select {
	case msg := <-received:
		assert.Equal(t, domain.PTypeError, msg.Type)
		assert.EqualValues(t, 42, msg.Session)
	case <-time.After(time.Second):
		t.Fatal("no ERROR reply delivered")
	}
}

func TestAbortClosesChannelExactlyOnce(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	assert.False(t, rt.AbortRequested())
	rt.Abort()
	rt.Abort() // must not panic on double-close
	assert.True(t, rt.AbortRequested())

	select {
	case <-rt.AbortChan():
	default:
		t.Fatal("abort channel not closed")
	}
}

func TestLaunchUnknownModuleFails(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	_, err := rt.Launch("does-not-exist", "")
	assert.Error(t, err)
}

func TestTimeoutFiresResponse(t *testing.T) {
	rt, stop := newTestRuntime(t)
	defer stop()

	received := make(chan int32, 1)
	waiter := testerModule{onMsg: func(h domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) {
		if typ == domain.PTypeResponse {
			received <- session
		}
	}}
	require.NoError(t, rt.RegisterModule(waiter))
	self, err := rt.Launch("tester", "")
	require.NoError(t, err)

	ctx, ok := rt.Grab(self)
	require.True(t, ok)
	defer ctx.Release()

	got := rt.Timeout(self, 0, 99) // ticks=0 fast path, fires immediately
	assert.EqualValues(t, 99, got)

	select {
	case session := <-received:
		assert.EqualValues(t, 99, session)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}
