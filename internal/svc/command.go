package svc

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opencore-labs/skynet-go/domain"
)

type cmdFunc func(c *Context, arg string) (string, bool)

// commands is the closed verb set from spec.md §4.4/§6, built once and
// shared by every Context — the same "registration table resolved once at
// setup" idiom as handler/handlerDB.go's DefaultHandlers, here keyed by
// verb instead of filesystem path.
var commands = map[string]cmdFunc{
	"TIMEOUT":   cmdTimeout,
	"REG":       cmdReg,
	"QUERY":     cmdQuery,
	"NAME":      cmdName,
	"EXIT":      cmdExit,
	"KILL":      cmdKill,
	"LAUNCH":    cmdLaunch,
	"GETENV":    cmdGetenv,
	"SETENV":    cmdSetenv,
	"STARTTIME": cmdStarttime,
	"ENDLESS":   cmdEndless,
	"ABORT":     cmdAbort,
	"MONITOR":   cmdMonitor,
	"MQLEN":     cmdMqlen,
	"LOGON":     cmdLogon,
	"LOGOFF":    cmdLogoff,
	"SIGNAL":    cmdSignal,
}

// Command implements the domain.Host control-plane contract.
func (c *Context) Command(verb string, arg string) (string, bool) {
	fn, ok := commands[verb]
	if !ok {
		return "", false
	}
	return fn(c, arg)
}

func cmdTimeout(c *Context, arg string) (string, bool) {
	ticks, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32)
	if err != nil {
		return "", false
	}
	session := c.kernel.Timeout(c.handle, uint32(ticks), c.NextSession())
	return strconv.Itoa(int(session)), true
}

func cmdReg(c *Context, arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return c.handle.String(), true
	}
	name := strings.TrimPrefix(arg, ".")
	if !c.kernel.RegisterName(c.handle, name) {
		return "", false
	}
	return name, true
}

func cmdQuery(c *Context, arg string) (string, bool) {
	name := strings.TrimPrefix(strings.TrimSpace(arg), ".")
	h, ok := c.kernel.FindName(name)
	if !ok {
		return "", false
	}
	return h.String(), true
}

func cmdName(c *Context, arg string) (string, bool) {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		return "", false
	}
	name := strings.TrimPrefix(fields[0], ".")
	h, err := domain.ParseHandleHex(strings.TrimPrefix(fields[1], ":"))
	if err != nil {
		return "", false
	}
	if !c.kernel.RegisterName(h, name) {
		return "", false
	}
	return name, true
}

func cmdExit(c *Context, arg string) (string, bool) {
	c.kernel.Retire(c.handle)
	return "", true
}

func cmdKill(c *Context, arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	var h domain.Handle
	if strings.HasPrefix(arg, ":") {
		parsed, err := domain.ParseHandleHex(arg[1:])
		if err != nil {
			return "", false
		}
		h = parsed
	} else if strings.HasPrefix(arg, ".") {
		found, ok := c.kernel.FindName(arg[1:])
		if !ok {
			return "", false
		}
		h = found
	} else {
		return "", false
	}
	return "", c.kernel.Retire(h)
}

func cmdLaunch(c *Context, arg string) (string, bool) {
	fields := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return "", false
	}
	modname := fields[0]
	var modargs string
	if len(fields) == 2 {
		modargs = fields[1]
	}
	h, err := c.kernel.Launch(modname, modargs)
	if err != nil {
		logrus.Errorf("skynet: LAUNCH %s failed: %v", modname, err)
		return "", false
	}
	return h.String(), true
}

func cmdGetenv(c *Context, arg string) (string, bool) {
	return c.kernel.EnvGet(strings.TrimSpace(arg))
}

func cmdSetenv(c *Context, arg string) (string, bool) {
	fields := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if len(fields) != 2 {
		return "", false
	}
	c.kernel.EnvSet(fields[0], fields[1])
	return "", true
}

func cmdStarttime(c *Context, arg string) (string, bool) {
	return strconv.FormatInt(c.kernel.StartTime(), 10), true
}

func cmdEndless(c *Context, arg string) (string, bool) {
	if c.TakeEndless() {
		return "1", true
	}
	return "0", true
}

func cmdAbort(c *Context, arg string) (string, bool) {
	c.kernel.Abort()
	return "", true
}

func cmdMonitor(c *Context, arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		h := domain.Handle(uint32(atomicLoadMonitor(c)))
		return h.String(), true
	}
	h, err := domain.ParseHandleHex(strings.TrimPrefix(arg, ":"))
	if err != nil {
		return "", false
	}
	atomicStoreMonitor(c, int32(uint32(h)))
	return "", true
}

func cmdMqlen(c *Context, arg string) (string, bool) {
	return strconv.Itoa(c.mbox.Len()), true
}

func cmdLogon(c *Context, arg string) (string, bool) {
	h, err := domain.ParseHandleHex(strings.TrimPrefix(strings.TrimSpace(arg), ":"))
	if err != nil {
		return "", false
	}
	target, ok := c.kernel.Grab(h)
	if !ok {
		return "", false
	}
	defer target.Release()
	target.SetLog(logrus.WithField("service", h.String()))
	return "", true
}

func cmdLogoff(c *Context, arg string) (string, bool) {
	h, err := domain.ParseHandleHex(strings.TrimPrefix(strings.TrimSpace(arg), ":"))
	if err != nil {
		return "", false
	}
	target, ok := c.kernel.Grab(h)
	if !ok {
		return "", false
	}
	defer target.Release()
	target.SetLog(nil)
	return "", true
}

func cmdSignal(c *Context, arg string) (string, bool) {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		return "", false
	}
	h, err := domain.ParseHandleHex(strings.TrimPrefix(fields[0], ":"))
	if err != nil {
		return "", false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", false
	}
	target, ok := c.kernel.Grab(h)
	if !ok {
		return "", false
	}
	defer target.Release()
	target.signal(n)
	return "", true
}
