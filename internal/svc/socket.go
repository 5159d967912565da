package svc

// SocketListen, SocketConnect, SocketSend and SocketClose implement the
// domain.Host socket surface by delegating to the kernel's reactor, binding
// the listen/connect calls to this context's own handle as owner.

func (c *Context) SocketListen(addr string) (int32, string, error) {
	return c.kernel.SocketListen(c.handle, addr)
}

func (c *Context) SocketConnect(addr string) (int32, error) {
	return c.kernel.SocketConnect(c.handle, addr)
}

func (c *Context) SocketSend(id int32, data []byte, highPriority bool) error {
	return c.kernel.SocketSend(id, data, highPriority)
}

func (c *Context) SocketClose(id int32) error {
	return c.kernel.SocketClose(id)
}
