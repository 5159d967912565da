// Package codec implements the self-describing tagged binary serialization
// format (spec.md §4.7): every value is a single-byte tag+cookie header
// followed by a type-specific payload, maps carry an array-prefix fast path
// before falling back to terminated key/value pairs, and the write side
// accumulates into a chain of 128-byte blocks to avoid large reallocations
// before a single final copy. Grounded on the teacher's buffer-assembly
// idiom in ipc/apis.go (building a response into fixed chunks before one
// final marshal) and on the domain.Handle/Message shapes this format
// ultimately serializes.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opencore-labs/skynet-go/domain"
)

// Kind is the outer tag of an encoded value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindPointer
	KindShortString
	KindLongString
	KindMap
)

// Number sub-kind cookies, per spec.md §4.7.
const (
	numZero Kind = 0
	numU8   Kind = 1
	numU16  Kind = 2
	numI32  Kind = 4
	numI64  Kind = 6
	numF64  Kind = 8
)

const (
	maxShortString = 32 // cookie holds length only when < 32
	maxNesting     = 32
	mapCookieLong  = 31 // cookie==31 means "read the real length as a NUMBER"
)

// Value is the in-memory representation of one decoded (or to-be-encoded)
// element. It is a closed sum type: exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Bool bool

	IsFloat bool
	Int     int64
	Float   float64

	Ptr domain.Handle

	Str string

	Table *Table
}

// Table is a map value: an array-prefix fast path (spec.md's "array
// portion") followed by arbitrary key/value pairs, mirroring the
// array-part/hash-part split of the Lua-flavored actor messages this
// format was built to carry.
type Table struct {
	Array []Value
	Pairs []Pair
}

// Pair is one hash-part entry. A NIL key terminates the pair list on the
// wire; Pairs never contains one explicitly.
type Pair struct {
	Key Value
	Val Value
}

// Nil, Bool, Int, Float, and Pointer are constructors for the common
// scalar cases.
func Nil() Value                    { return Value{Kind: KindNil} }
func Bool(b bool) Value             { return Value{Kind: KindBool, Bool: b} }
func Int(n int64) Value             { return Value{Kind: KindNumber, Int: n} }
func Float(f float64) Value         { return Value{Kind: KindNumber, IsFloat: true, Float: f} }
func Pointer(h domain.Handle) Value { return Value{Kind: KindPointer, Ptr: h} }
func Str(s string) Value {
	if len(s) < maxShortString {
		return Value{Kind: KindShortString, Str: s}
	}
	return Value{Kind: KindLongString, Str: s}
}
func MapValue(t *Table) Value { return Value{Kind: KindMap, Table: t} }

// StreamError is returned for any malformed or truncated input, carrying
// the byte offset at which the violation was detected (spec.md §4.7).
type StreamError struct {
	Pos int
	Msg string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("INVALID_STREAM at position %d: %s", e.Pos, e.Msg)
}

// Encode serializes v into a single contiguous buffer.
func Encode(v Value) ([]byte, error) {
	w := newBlockWriter()
	if err := encodeValue(w, v, 0); err != nil {
		return nil, err
	}
	return w.finalize(), nil
}

func encodeValue(w *blockWriter, v Value, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("codec: nesting depth exceeds %d", maxNesting)
	}

	switch v.Kind {
	case KindNil:
		w.writeByte(header(KindNil, 0))
	case KindBool:
		cookie := byte(0)
		if v.Bool {
			cookie = 1
		}
		w.writeByte(header(KindBool, cookie))
	case KindNumber:
		encodeNumber(w, v)
	case KindPointer:
		w.writeByte(header(KindPointer, 0))
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[4:], uint32(v.Ptr))
		w.write(buf[:])
	case KindShortString:
		w.writeByte(header(KindShortString, byte(len(v.Str))))
		w.write([]byte(v.Str))
	case KindLongString:
		encodeLongString(w, v.Str)
	case KindMap:
		return encodeTable(w, v.Table, depth+1)
	default:
		return fmt.Errorf("codec: unknown kind %d", v.Kind)
	}
	return nil
}

func header(k Kind, cookie byte) byte {
	return byte(k)&0x07 | (cookie << 3)
}

func encodeNumber(w *blockWriter, v Value) {
	if v.IsFloat {
		w.writeByte(header(KindNumber, byte(numF64)))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float))
		w.write(buf[:])
		return
	}

	n := v.Int
	switch {
	case n == 0:
		w.writeByte(header(KindNumber, byte(numZero)))
	case n > 0 && n <= 0xff:
		w.writeByte(header(KindNumber, byte(numU8)))
		w.writeByte(byte(n))
	case n > 0 && n <= 0xffff:
		w.writeByte(header(KindNumber, byte(numU16)))
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n))
		w.write(buf[:])
	case n >= -(1<<31) && n < (1<<31):
		w.writeByte(header(KindNumber, byte(numI32)))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(n)))
		w.write(buf[:])
	default:
		w.writeByte(header(KindNumber, byte(numI64)))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		w.write(buf[:])
	}
}

func encodeLongString(w *blockWriter, s string) {
	n := len(s)
	if n <= 0xffff {
		w.writeByte(header(KindLongString, 2))
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n))
		w.write(buf[:])
	} else {
		w.writeByte(header(KindLongString, 4))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(n))
		w.write(buf[:])
	}
	w.write([]byte(s))
}

func encodeTable(w *blockWriter, t *Table, depth int) error {
	arrLen := len(t.Array)
	if arrLen < mapCookieLong {
		w.writeByte(header(KindMap, byte(arrLen)))
	} else {
		w.writeByte(header(KindMap, mapCookieLong))
		if err := encodeValue(w, Int(int64(arrLen)), depth); err != nil {
			return err
		}
	}

	for _, elem := range t.Array {
		if err := encodeValue(w, elem, depth); err != nil {
			return err
		}
	}

	for _, p := range t.Pairs {
		if p.Key.Kind == KindNil {
			return fmt.Errorf("codec: map key must not be nil")
		}
		if err := encodeValue(w, p.Key, depth); err != nil {
			return err
		}
		if err := encodeValue(w, p.Val, depth); err != nil {
			return err
		}
	}

	return encodeValue(w, Nil(), depth) // terminator
}

// Decode parses exactly one value from buf, returning the value and the
// number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	r := &reader{buf: buf}
	v, err := decodeValue(r, 0)
	if err != nil {
		return Value{}, r.pos, err
	}
	return v, r.pos, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return &StreamError{Pos: r.pos, Msg: "truncated stream"}
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readN(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func decodeValue(r *reader, depth int) (Value, error) {
	if depth > maxNesting {
		return Value{}, &StreamError{Pos: r.pos, Msg: "nesting depth exceeded"}
	}

	h, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(h & 0x07)
	cookie := h >> 3

	switch kind {
	case KindNil:
		return Nil(), nil
	case KindBool:
		return Bool(cookie == 1), nil
	case KindNumber:
		return decodeNumber(r, Kind(cookie))
	case KindPointer:
		b, err := r.readN(8)
		if err != nil {
			return Value{}, err
		}
		return Pointer(domain.Handle(binary.BigEndian.Uint32(b[4:]))), nil
	case KindShortString:
		b, err := r.readN(int(cookie))
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindShortString, Str: string(b)}, nil
	case KindLongString:
		return decodeLongString(r, cookie)
	case KindMap:
		return decodeTable(r, cookie, depth+1)
	default:
		return Value{}, &StreamError{Pos: r.pos - 1, Msg: "unknown type tag"}
	}
}

func decodeNumber(r *reader, sub Kind) (Value, error) {
	switch sub {
	case numZero:
		return Int(0), nil
	case numU8:
		b, err := r.readByte()
		if err != nil {
			return Value{}, err
		}
		return Int(int64(b)), nil
	case numU16:
		b, err := r.readN(2)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(binary.LittleEndian.Uint16(b))), nil
	case numI32:
		b, err := r.readN(4)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(int32(binary.LittleEndian.Uint32(b)))), nil
	case numI64:
		b, err := r.readN(8)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(binary.LittleEndian.Uint64(b))), nil
	case numF64:
		b, err := r.readN(8)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	default:
		return Value{}, &StreamError{Pos: r.pos, Msg: "unknown number sub-kind"}
	}
}

func decodeLongString(r *reader, cookie byte) (Value, error) {
	var n int
	switch cookie {
	case 2:
		b, err := r.readN(2)
		if err != nil {
			return Value{}, err
		}
		n = int(binary.LittleEndian.Uint16(b))
	case 4:
		b, err := r.readN(4)
		if err != nil {
			return Value{}, err
		}
		n = int(binary.LittleEndian.Uint32(b))
	default:
		return Value{}, &StreamError{Pos: r.pos, Msg: "invalid long-string length cookie"}
	}
	b, err := r.readN(n)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindLongString, Str: string(b)}, nil
}

func decodeTable(r *reader, cookie byte, depth int) (Value, error) {
	arrLen := int(cookie)
	if cookie == mapCookieLong {
		lenVal, err := decodeValue(r, depth)
		if err != nil {
			return Value{}, err
		}
		if lenVal.Kind != KindNumber || lenVal.IsFloat {
			return Value{}, &StreamError{Pos: r.pos, Msg: "map length must be an integer"}
		}
		arrLen = int(lenVal.Int)
	}

	t := &Table{}
	for i := 0; i < arrLen; i++ {
		elem, err := decodeValue(r, depth)
		if err != nil {
			return Value{}, err
		}
		t.Array = append(t.Array, elem)
	}

	for {
		key, err := decodeValue(r, depth)
		if err != nil {
			return Value{}, err
		}
		if key.Kind == KindNil {
			break
		}
		val, err := decodeValue(r, depth)
		if err != nil {
			return Value{}, err
		}
		t.Pairs = append(t.Pairs, Pair{Key: key, Val: val})
	}

	return MapValue(t), nil
}
