package domain

// Entry is the minimal contract the handle registry needs from a service
// context: identity plus atomic reference counting. internal/svc.Context
// satisfies this (and the richer Host interface below) without the registry
// importing svc — this is what keeps handles "plain integers resolved
// through the registry" per spec.md §9, with no cyclic package references.
type Entry interface {
	Handle() Handle
	Retain()
	// Release drops one reference and returns the resulting count. The
	// caller that drives it to zero is responsible for final teardown.
	Release() int32
}

// Callback is a service's message dispatcher. Returning consumed=true means
// the callback takes ownership of payload (the runtime will not free it).
// A non-nil err is a Dispatch-kind error: the runtime logs it and frees the
// payload; the service itself stays alive.
type Callback func(host Host, typ uint8, session int32, source Handle, payload []byte) (consumed bool, err error)

// Host is the contract exposed to a running service's callback and to its
// module's Init/Release/Signal hooks — the Go rendering of spec.md §4.4's
// "public contract" (send/sendname/callback/command).
type Host interface {
	Handle() Handle
	Send(source, dest Handle, typ uint8, session int32, payload []byte, tag uint32) (int32, error)
	SendName(source Handle, addr string, typ uint8, session int32, payload []byte, tag uint32) (int32, error)
	SetCallback(cb Callback)
	Command(verb string, arg string) (string, bool)

	// Socket* expose the reactor (spec.md §4.6) to a running service: Listen
	// arms a passive socket and returns the bound address (resolving a
	// requested port of 0), Connect starts an outbound handshake, Send
	// queues data on the high or low priority write list, Close tears the
	// socket down. Results and incoming data/errors/warnings arrive as
	// PTypeSocket messages (see internal/reactor.DecodeEnvelope).
	SocketListen(addr string) (id int32, bound string, err error)
	SocketConnect(addr string) (id int32, err error)
	SocketSend(id int32, data []byte, highPriority bool) error
	SocketClose(id int32) error
}

// Module is the four-function vtable a module loader resolves a service
// type name to, exactly as spec.md §6 describes ("create, init, release,
// signal").
type Module interface {
	Name() string
	Create() (interface{}, error)
	Init(host Host, state interface{}, args string) error
	Release(host Host, state interface{})
	Signal(host Host, state interface{}, n int)
}
