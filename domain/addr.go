package domain

import (
	"strconv"
	"strings"
)

// AddrKind classifies an address string as accepted by sendname/SIGNAL/etc.
type AddrKind int

const (
	AddrNumeric AddrKind = iota // ":hex" — a literal handle
	AddrLocalName               // ".name" — a locally registered name
	AddrRemoteName               // bare name — routed through the harbor hook
)

// ParseAddr classifies an address string per spec.md §4.4's sendname rule:
// ":hex" is numeric, ".name" is a local registered name, anything else is
// treated as a remote name routed through the harbor hook.
func ParseAddr(s string) (kind AddrKind, value string) {
	switch {
	case strings.HasPrefix(s, ":"):
		return AddrNumeric, s[1:]
	case strings.HasPrefix(s, "."):
		return AddrLocalName, s[1:]
	default:
		return AddrRemoteName, s
	}
}

// ParseHandleHex parses the hex digits following ":" into a Handle.
func ParseHandleHex(hex string) (Handle, error) {
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return NoHandle, err
	}
	return Handle(uint32(v)), nil
}
