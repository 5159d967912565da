package domain

// Message types. Application protocols are expected to start above the
// system block; PTYPE_TAG_* are send-time modifiers and are never stored on
// a Message once queued.
const (
	PTypeResponse uint8 = iota
	PTypeTimer
	PTypeSocket
	PTypeError
	PTypeText
	PTypeClient
	PTypeSystem
	PTypeHarbor

	PTypeCount // first application protocol id is free to start here
)

// Send-time tag bits. These never appear on a queued Message; Send strips
// them after acting on them.
const (
	TagDontCopy     uint32 = 1 << 8
	TagAllocSession uint32 = 1 << 9
)

// MaxPayloadSize bounds the 24-bit size field packed alongside the type.
const MaxPayloadSize = 1<<24 - 1

// Message is the unit of communication between services. Payload is either
// owned by the runtime (freed by the scheduler once the callback returns
// false) or owned by the callback (when it returns true).
type Message struct {
	Source  Handle
	Session int32
	Type    uint8
	Payload []byte
}

// Size returns the 24-bit packed size of the payload, per the wire model in
// spec.md's Message definition ("type, size" packed together logically).
func (m Message) Size() uint32 { return uint32(len(m.Payload)) }
