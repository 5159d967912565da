package harbor

import (
	"encoding/binary"

	"github.com/opencore-labs/skynet-go/domain"
)

// encodeWire lays out a forwarded message as: dest(4) | nameLen(1) | name |
// session(4) | type(1) | payloadLen(4) | payload. It is deliberately
// simpler than the tagged codec — this is a fixed internal header, not a
// self-describing value stream.
func encodeWire(dest domain.Handle, name string, msg domain.Message) []byte {
	out := make([]byte, 0, 4+1+len(name)+4+1+4+len(msg.Payload))

	var destBuf [4]byte
	binary.BigEndian.PutUint32(destBuf[:], uint32(dest))
	out = append(out, destBuf[:]...)

	out = append(out, byte(len(name)))
	out = append(out, name...)

	var sessBuf [4]byte
	binary.BigEndian.PutUint32(sessBuf[:], uint32(msg.Session))
	out = append(out, sessBuf[:]...)

	out = append(out, msg.Type)

	var plenBuf [4]byte
	binary.BigEndian.PutUint32(plenBuf[:], uint32(len(msg.Payload)))
	out = append(out, plenBuf[:]...)
	out = append(out, msg.Payload...)

	return out
}

func decodeWire(buf []byte) (domain.Handle, string, domain.Message) {
	if len(buf) < 4+1 {
		return domain.NoHandle, "", domain.Message{}
	}
	dest := domain.Handle(binary.BigEndian.Uint32(buf[0:4]))
	nameLen := int(buf[4])
	pos := 5 + nameLen
	if len(buf) < pos+4+1+4 {
		return dest, "", domain.Message{}
	}
	name := string(buf[5:pos])

	session := int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
	typ := buf[pos+4]
	plen := int(binary.BigEndian.Uint32(buf[pos+5 : pos+9]))
	payload := buf[pos+9:]
	if len(payload) > plen {
		payload = payload[:plen]
	}

	return dest, name, domain.Message{Session: session, Type: typ, Payload: payload}
}
