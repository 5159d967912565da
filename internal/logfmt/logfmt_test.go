package logfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opencore-labs/skynet-go/domain"
)

func TestHandleString(t *testing.T) {
	h := Handle{H: domain.MakeHandle(1, 2)}
	assert.Equal(t, domain.MakeHandle(1, 2).String(), h.String())
}

func TestNameString(t *testing.T) {
	assert.Equal(t, ".alpha", Name{N: "alpha"}.String())
	assert.Equal(t, "<unnamed>", Name{}.String())
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "TEXT/5b", MsgType{Type: domain.PTypeText, Size: 5}.String())
	assert.Equal(t, "APP(42)/0b", MsgType{Type: 42, Size: 0}.String())
}
