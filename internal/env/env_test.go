package env

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	s := New()

	_, ok := s.Get("thread")
	require.False(t, ok)

	s.Set("thread", "8")
	v, ok := s.Get("thread")
	require.True(t, ok)
	assert.Equal(t, "8", v)
}

func TestSetDefault(t *testing.T) {
	s := New()

	assert.Equal(t, "8", s.SetDefault("thread", "8"))
	assert.Equal(t, "8", s.SetDefault("thread", "99"))

	v, ok := s.Get("thread")
	require.True(t, ok)
	assert.Equal(t, "8", v)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Set("k", "v")
			s.Get("k")
		}(i)
	}
	wg.Wait()

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	s.Set("a", "1")

	snap := s.Snapshot()
	snap["a"] = "mutated"

	v, _ := s.Get("a")
	assert.Equal(t, "1", v)
}
