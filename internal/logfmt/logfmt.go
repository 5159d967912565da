// Package logfmt supplies small fmt.Stringer wrappers for logrus fields,
// mirroring the teacher's formatter.ContainerID{...}.String() pattern
// (state/containerDB.go and throughout handler/implementations): wrap the
// raw value next to the log call instead of pre-formatting a string, so
// logrus only pays the formatting cost when the field is actually emitted.
package logfmt

import (
	"fmt"

	"github.com/opencore-labs/skynet-go/domain"
)

// Handle renders a domain.Handle as ":%08X", matching spec.md §8's wire
// addressing convention.
type Handle struct{ H domain.Handle }

func (h Handle) String() string { return h.H.String() }

// Name renders a registered service name with its leading dot, matching
// spec.md §8.
type Name struct{ N string }

func (n Name) String() string {
	if n.N == "" {
		return "<unnamed>"
	}
	return "." + n.N
}

// MsgType renders a message's packed (type, size) pair for log lines, e.g.
// "TEXT/128b".
type MsgType struct {
	Type uint8
	Size int
}

func (m MsgType) String() string {
	return fmt.Sprintf("%s/%db", ptypeName(m.Type), m.Size)
}

func ptypeName(t uint8) string {
	switch t {
	case domain.PTypeResponse:
		return "RESPONSE"
	case domain.PTypeTimer:
		return "TIMER"
	case domain.PTypeSocket:
		return "SOCKET"
	case domain.PTypeError:
		return "ERROR"
	case domain.PTypeText:
		return "TEXT"
	case domain.PTypeClient:
		return "CLIENT"
	case domain.PTypeSystem:
		return "SYSTEM"
	case domain.PTypeHarbor:
		return "HARBOR"
	default:
		return fmt.Sprintf("APP(%d)", t)
	}
}
