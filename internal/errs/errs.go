// Package errs carries the error taxonomy from spec.md §7 on top of
// google.golang.org/grpc's codes/status pair — the same idiom the teacher
// uses in state/containerDB.go (grpcStatus.Errorf(grpcCodes.AlreadyExists,
// ...)) — instead of inventing a parallel error-code enum.
package errs

import (
	"fmt"

	grpcCodes "google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"
)

// Kind is the taxonomy of error sources named in spec.md §7.
type Kind int

const (
	Config Kind = iota
	Module
	Dispatch
	SendUnknown
	Socket
	Backpressure
	Overload
	MemoryLimit
)

func (k Kind) code() grpcCodes.Code {
	switch k {
	case Config:
		return grpcCodes.InvalidArgument
	case Module:
		return grpcCodes.FailedPrecondition
	case Dispatch:
		return grpcCodes.Internal
	case SendUnknown:
		return grpcCodes.NotFound
	case Socket:
		return grpcCodes.Unavailable
	case Backpressure, Overload, MemoryLimit:
		return grpcCodes.ResourceExhausted
	default:
		return grpcCodes.Unknown
	}
}

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Module:
		return "module"
	case Dispatch:
		return "dispatch"
	case SendUnknown:
		return "send-to-unknown"
	case Socket:
		return "socket"
	case Backpressure:
		return "backpressure"
	case Overload:
		return "overload"
	case MemoryLimit:
		return "memory-limit"
	default:
		return "unknown"
	}
}

// New builds a *status.Status-backed error carrying the given taxonomy kind.
func New(kind Kind, format string, args ...interface{}) error {
	return grpcStatus.Errorf(kind.code(), "%s: %s", kind, fmt.Sprintf(format, args...))
}

// KindOf recovers the taxonomy kind from an error built by New, by mapping its
// grpc code back to the (possibly ambiguous) kind family; ok is false for
// errors not built by this package.
func KindOf(err error) (Kind, bool) {
	st, ok := grpcStatus.FromError(err)
	if !ok {
		return 0, false
	}
	switch st.Code() {
	case grpcCodes.InvalidArgument:
		return Config, true
	case grpcCodes.FailedPrecondition:
		return Module, true
	case grpcCodes.Internal:
		return Dispatch, true
	case grpcCodes.NotFound:
		return SendUnknown, true
	case grpcCodes.Unavailable:
		return Socket, true
	case grpcCodes.ResourceExhausted:
		return Overload, true
	default:
		return 0, false
	}
}
