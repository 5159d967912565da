// Package framer implements the 2-byte big-endian length-prefix framer
// (spec.md §4.6/§4.9): each socket accumulates partial frames independently,
// and a half-received 2-byte header is tracked one byte at a time so a
// single stray byte never forces a full re-parse. Grounded on the teacher's
// nsenterEvent.go read-loop idiom (accumulate into a buffer, only act once
// a complete unit is present) generalized from a fixed JSON-message
// boundary to a length-prefixed binary one.
package framer

import (
	"encoding/binary"
	"errors"
)

var errFrameTooLarge = errors.New("framer: payload exceeds max frame size")

// MaxFrameSize bounds a single frame's body (excluding the 2-byte header)
// to what a uint16 length can express.
const MaxFrameSize = 0xffff

// state is one socket's in-progress reassembly: either waiting on the
// remainder of the 2-byte header, or waiting on the remainder of the body.
type state struct {
	headerByte byte
	haveHeader bool // true once one byte of a two-byte header has arrived
	needLen    int  // full body length once header is complete, -1 until then
	body       []byte
}

// Frame is one reassembled, length-delimited payload.
type Frame []byte

// Table tracks per-fd framing state, keyed by whatever identifier the
// reactor uses for a connection (its fd).
type Table struct {
	conns map[int]*state
}

func NewTable() *Table {
	return &Table{conns: make(map[int]*state)}
}

// Feed appends newly-read bytes for fd and returns every frame that became
// complete as a result, in arrival order. Partial state survives across
// calls until the frame completes.
//
// more reports whether this single read produced more than one complete
// frame, mirroring lua-netpack.c's TYPE_MORE: a caller that gets more=true
// should keep dispatching the returned frames before going back to waiting
// on the reactor, since a single socket read already yielded a backlog.
func (t *Table) Feed(fd int, data []byte) (frames []Frame, more bool) {
	s, ok := t.conns[fd]
	if !ok {
		s = &state{needLen: -1}
		t.conns[fd] = s
	}

	i := 0
	for i < len(data) {
		if s.needLen < 0 {
			if !s.haveHeader {
				s.headerByte = data[i]
				s.haveHeader = true
				i++
				continue
			}
			hi, lo := s.headerByte, data[i]
			s.needLen = int(binary.BigEndian.Uint16([]byte{hi, lo}))
			s.haveHeader = false
			s.body = make([]byte, 0, s.needLen)
			i++
			continue
		}

		remaining := s.needLen - len(s.body)
		take := len(data) - i
		if take > remaining {
			take = remaining
		}
		s.body = append(s.body, data[i:i+take]...)
		i += take

		if len(s.body) == s.needLen {
			frames = append(frames, Frame(s.body))
			s.needLen = -1
			s.body = nil
		}
	}

	return frames, len(frames) > 1
}

// Drop discards reassembly state for fd (on connection close).
func (t *Table) Drop(fd int) {
	delete(t.conns, fd)
}

// Encode wraps payload with its 2-byte big-endian length prefix.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)
	return out, nil
}
