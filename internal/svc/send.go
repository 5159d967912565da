package svc

import (
	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/errs"
)

// Send implements the domain.Host contract (spec.md §4.4). source=0 means
// "from self". TAG_ALLOCSESSION allocates a fresh session and returns it;
// if the destination is remote the message is handed to the harbor hook
// instead of being pushed locally. TAG_DONTCOPY transfers the payload
// slice as-is; otherwise it is copied.
func (c *Context) Send(source, dest domain.Handle, typ uint8, session int32, payload []byte, tag uint32) (int32, error) {
	if dest == domain.NoHandle {
		return 0, errs.New(errs.SendUnknown, "INVALID_DEST: dest handle is zero")
	}
	if source == domain.NoHandle {
		source = c.handle
	}
	if tag&domain.TagAllocSession != 0 {
		session = c.NextSession()
	}

	if dest.NodePrefix() != c.kernel.NodePrefix() {
		msg := domain.Message{Source: source, Session: session, Type: typ, Payload: payload}
		if err := c.kernel.ForwardRemote(dest, msg); err != nil {
			return session, err
		}
		return session, nil
	}

	target, ok := c.kernel.Grab(dest)
	if !ok {
		// Send-to-unknown: negative session, payload ownership untouched —
		// if the caller passed TAG_DONTCOPY it keeps the buffer.
		return -1, errs.New(errs.SendUnknown, "no such service %s", dest)
	}
	defer target.Release()

	out := payload
	if tag&domain.TagDontCopy == 0 && payload != nil {
		out = append([]byte(nil), payload...)
	}

	msg := domain.Message{Source: source, Session: session, Type: typ, Payload: out}
	wasIdle := target.mbox.Push(msg)
	if wasIdle {
		c.kernel.ReadyQueue().Push(target.mbox)
	}
	return session, nil
}

// SendName implements spec.md §4.4's sendname: ":hex" is a numeric handle,
// ".name" a registered name, anything else a remote name routed through the
// harbor hook.
func (c *Context) SendName(source domain.Handle, addr string, typ uint8, session int32, payload []byte, tag uint32) (int32, error) {
	kind, value := domain.ParseAddr(addr)
	switch kind {
	case domain.AddrNumeric:
		h, err := domain.ParseHandleHex(value)
		if err != nil {
			return 0, errs.New(errs.SendUnknown, "invalid handle address %q: %v", addr, err)
		}
		return c.Send(source, h, typ, session, payload, tag)

	case domain.AddrLocalName:
		h, ok := c.kernel.FindName(value)
		if !ok {
			return 0, errs.New(errs.SendUnknown, "no service named %q", value)
		}
		return c.Send(source, h, typ, session, payload, tag)

	default: // AddrRemoteName
		if tag&domain.TagAllocSession != 0 {
			session = c.NextSession()
		}
		if source == domain.NoHandle {
			source = c.handle
		}
		msg := domain.Message{Source: source, Session: session, Type: typ, Payload: payload}
		if err := c.kernel.ForwardRemoteName(value, msg); err != nil {
			return session, err
		}
		return session, nil
	}
}
