package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRegistryEmptyIDIsNoop(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.Acquire("", "inv-1"))
	reg.Release("", "inv-1")
	assert.Equal(t, 0, reg.Len())
}

func TestRegistrySupersedesOtherInvocation(t *testing.T) {
	reg := NewRegistry()
	first := reg.Acquire("light.a", "inv-1")
	require.NotNil(t, first)
	assert.False(t, signalled(first))

	second := reg.Acquire("light.a", "inv-2")
	require.NotNil(t, second)
	assert.True(t, signalled(first), "previous holder must be cancelled")
	assert.False(t, signalled(second))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySameInvocationSharesEntry(t *testing.T) {
	reg := NewRegistry()
	first := reg.Acquire("shared", "inv-1")
	second := reg.Acquire("shared", "inv-1")
	assert.False(t, signalled(first))
	assert.False(t, signalled(second))
	assert.Equal(t, 1, reg.Len())

	reg.Release("shared", "inv-1")
	assert.Equal(t, 1, reg.Len(), "entry stays while a sibling still holds it")
	reg.Release("shared", "inv-1")
	assert.Equal(t, 0, reg.Len())
}

func TestRegistrySupersededReleaseDoesNotClobber(t *testing.T) {
	reg := NewRegistry()
	reg.Acquire("light.a", "inv-1")
	second := reg.Acquire("light.a", "inv-2")

	// the loser must not remove the winner's entry
	reg.Release("light.a", "inv-1")
	assert.Equal(t, 1, reg.Len())
	assert.False(t, signalled(second))

	reg.Release("light.a", "inv-2")
	assert.Equal(t, 0, reg.Len())
}
