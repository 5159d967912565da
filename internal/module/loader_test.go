package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencore-labs/skynet-go/domain"
)

type fakeModule struct {
	name string
}

func (m *fakeModule) Name() string                                          { return m.name }
func (m *fakeModule) Create() (interface{}, error)                          { return nil, nil }
func (m *fakeModule) Init(domain.Host, interface{}, string) error           { return nil }
func (m *fakeModule) Release(domain.Host, interface{})                      {}
func (m *fakeModule) Signal(domain.Host, interface{}, int)                  {}

func TestRegisterAndResolve(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(&fakeModule{name: "echo"}))

	mod, err := l.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", mod.Name())
}

func TestRegisterDuplicateFails(t *testing.T) {
	l := New()
	require.NoError(t, l.Register(&fakeModule{name: "echo"}))
	err := l.Register(&fakeModule{name: "echo"})
	assert.Error(t, err)
}

func TestResolveMissingWithoutResolverFails(t *testing.T) {
	l := New()
	_, err := l.Resolve("missing")
	assert.Error(t, err)
}

func TestParseLaunchArgs(t *testing.T) {
	mod, args := ParseLaunchArgs("logger")
	assert.Equal(t, "logger", mod)
	assert.Equal(t, "", args)

	mod, args = ParseLaunchArgs("snlua bootstrap")
	assert.Equal(t, "snlua", mod)
	assert.Equal(t, "bootstrap", args)

	mod, args = ParseLaunchArgs("  gate  127.0.0.1 8888  ")
	assert.Equal(t, "gate", mod)
	assert.Equal(t, "127.0.0.1 8888", args)
}
