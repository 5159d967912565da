package svc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/env"
	"github.com/opencore-labs/skynet-go/internal/mailbox"
)

// fakeKernel is a minimal, self-contained Kernel for exercising Context in
// isolation, independent of internal/runtime.
type fakeKernel struct {
	mu    sync.Mutex
	byH   map[domain.Handle]*Context
	names map[string]domain.Handle
	ready *mailbox.Queue
	env   *env.Store
	next  uint32
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		byH:   make(map[domain.Handle]*Context),
		names: make(map[string]domain.Handle),
		ready: mailbox.NewQueue(),
		env:   env.New(),
	}
}

func (k *fakeKernel) register(c *Context) domain.Handle {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.next++
	h := domain.MakeHandle(0, k.next)
	c.Bind(h)
	k.byH[h] = c
	return h
}

func (k *fakeKernel) NodePrefix() uint8           { return 0 }
func (k *fakeKernel) ReadyQueue() *mailbox.Queue  { return k.ready }
func (k *fakeKernel) StartTime() int64            { return 0 }
func (k *fakeKernel) Now() uint32                 { return 0 }
func (k *fakeKernel) Abort()                      {}
func (k *fakeKernel) EnvGet(key string) (string, bool) { return k.env.Get(key) }
func (k *fakeKernel) EnvSet(key, value string)          { k.env.Set(key, value) }

func (k *fakeKernel) Grab(h domain.Handle) (*Context, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.byH[h]
	if !ok {
		return nil, false
	}
	c.Retain()
	return c, true
}

func (k *fakeKernel) Retire(h domain.Handle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.byH[h]; !ok {
		return false
	}
	delete(k.byH, h)
	return true
}

func (k *fakeKernel) FindName(name string) (domain.Handle, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h, ok := k.names[name]
	return h, ok
}

func (k *fakeKernel) RegisterName(h domain.Handle, name string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.names[name]; ok {
		return false
	}
	k.names[name] = h
	return true
}

func (k *fakeKernel) Timeout(h domain.Handle, ticks uint32, session int32) int32 { return session }
func (k *fakeKernel) Launch(modname, args string) (domain.Handle, error)        { return domain.NoHandle, nil }
func (k *fakeKernel) ForwardRemote(dest domain.Handle, msg domain.Message) error { return nil }
func (k *fakeKernel) ForwardRemoteName(name string, msg domain.Message) error    { return nil }

func (k *fakeKernel) SocketListen(owner domain.Handle, addr string) (int32, string, error) {
	return 0, "", nil
}
func (k *fakeKernel) SocketConnect(owner domain.Handle, addr string) (int32, error) { return 0, nil }
func (k *fakeKernel) SocketSend(id int32, data []byte, highPriority bool) error     { return nil }
func (k *fakeKernel) SocketClose(id int32) error                                    { return nil }

// TestS1Echo implements scenario S1 from spec.md §8.
func TestS1Echo(t *testing.T) {
	k := newFakeKernel()

	echo := New(k, "echo", nil, nil)
	k.register(echo)
	var got []domain.Message
	var mu sync.Mutex
	echo.SetCallback(func(host domain.Host, typ uint8, session int32, source domain.Handle, payload []byte) (bool, error) {
		mu.Lock()
		got = append(got, domain.Message{Source: source, Session: session, Type: typ, Payload: payload})
		mu.Unlock()
		if session != 0 {
			host.Send(0, source, domain.PTypeResponse, session, payload, 0)
		}
		return false, nil
	})

	probe := New(k, "probe", nil, nil)
	k.register(probe)

	// session=0: no reply expected.
	_, err := probe.Send(0, echo.Handle(), domain.PTypeClient, 0, []byte("hi"), 0)
	require.NoError(t, err)

	drainOne(t, k, echo)

	probeMbox := probe.Mailbox()
	_, ok := probeMbox.Pop()
	assert.False(t, ok, "no reply expected for session 0")

	// TAG_ALLOCSESSION: expect exactly one RESPONSE-shaped reply.
	session, err := probe.Send(0, echo.Handle(), domain.PTypeClient, 0, []byte("hi"), domain.TagAllocSession)
	require.NoError(t, err)
	require.Greater(t, session, int32(0))

	drainOne(t, k, echo)

	reply, ok := probeMbox.Pop()
	require.True(t, ok)
	assert.Equal(t, session, reply.Session)
	assert.Equal(t, "hi", string(reply.Payload))
}

func drainOne(t *testing.T, k *fakeKernel, c *Context) {
	t.Helper()
	msg, ok := c.Mailbox().Pop()
	require.True(t, ok)
	c.Dispatch(msg.Type, msg.Session, msg.Source, msg.Payload)
}

func TestSendToUnknownReturnsNegativeSession(t *testing.T) {
	k := newFakeKernel()
	a := New(k, "a", nil, nil)
	k.register(a)

	session, err := a.Send(0, domain.MakeHandle(0, 999), domain.PTypeClient, 0, []byte("x"), domain.TagDontCopy)
	assert.Error(t, err)
	assert.Equal(t, int32(-1), session)
}

func TestSendZeroDestFails(t *testing.T) {
	k := newFakeKernel()
	a := New(k, "a", nil, nil)
	k.register(a)

	_, err := a.Send(0, domain.NoHandle, domain.PTypeClient, 0, nil, 0)
	assert.Error(t, err)
}

// TestSessionUniqueness implements testable property 4: sessions returned
// by TAG_ALLOCSESSION sends are pairwise distinct while outstanding.
func TestSessionUniqueness(t *testing.T) {
	k := newFakeKernel()
	a := New(k, "a", nil, nil)
	k.register(a)
	b := New(k, "b", nil, nil)
	k.register(b)
	b.SetCallback(func(domain.Host, uint8, int32, domain.Handle, []byte) (bool, error) { return false, nil })

	seen := map[int32]bool{}
	for i := 0; i < 1000; i++ {
		session, err := a.Send(0, b.Handle(), domain.PTypeClient, 0, nil, domain.TagAllocSession)
		require.NoError(t, err)
		require.False(t, seen[session], "session %d reused while outstanding", session)
		seen[session] = true
	}
}

func TestSessionWrapsNeverZero(t *testing.T) {
	k := newFakeKernel()
	a := New(k, "a", nil, nil)
	k.register(a)
	a.session = 1<<31 - 1 // force near-overflow

	s1 := a.NextSession()
	assert.Equal(t, int32(1), s1)
	assert.NotEqual(t, int32(0), s1)
}

// TestExclusivity implements testable property 2: at no instant are two
// goroutines executing callbacks for the same context.
func TestExclusivity(t *testing.T) {
	k := newFakeKernel()
	c := New(k, "c", nil, nil)
	k.register(c)

	var active int32
	var violated bool
	var mu sync.Mutex
	c.SetCallback(func(domain.Host, uint8, int32, domain.Handle, []byte) (bool, error) {
		mu.Lock()
		if active != 0 {
			violated = true
		}
		active = 1
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active = 0
		mu.Unlock()
		return false, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispatch(domain.PTypeClient, 0, domain.NoHandle, nil)
		}()
	}
	wg.Wait()

	assert.False(t, violated)
}

func TestCommandUnknownVerb(t *testing.T) {
	k := newFakeKernel()
	c := New(k, "c", nil, nil)
	k.register(c)

	_, ok := c.Command("NOPE", "")
	assert.False(t, ok)
}

func TestCommandRegAndQuery(t *testing.T) {
	k := newFakeKernel()
	c := New(k, "c", nil, nil)
	k.register(c)

	name, ok := c.Command("REG", ".alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", name)

	_, ok = c.Command("REG", ".alpha")
	assert.False(t, ok) // duplicate name registration is always rejected, even by the same owner

	h, ok := c.Command("QUERY", ".alpha")
	require.True(t, ok)
	assert.Equal(t, c.Handle().String(), h)
}

func TestCommandMqlen(t *testing.T) {
	k := newFakeKernel()
	c := New(k, "c", nil, nil)
	k.register(c)
	c.Mailbox().Push(domain.Message{})

	v, ok := c.Command("MQLEN", "")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}
