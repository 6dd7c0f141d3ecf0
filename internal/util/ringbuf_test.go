package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferDropsOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	require.Zero(t, rb.Len())
	require.Empty(t, rb.Snapshot())

	rb.Push(1)
	rb.Push(2)
	require.Equal(t, []int{1, 2}, rb.Snapshot())

	rb.Push(3)
	rb.Push(4)
	require.Equal(t, []int{2, 3, 4}, rb.Snapshot())
	require.Equal(t, 3, rb.Len())
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[string](2)
	rb.Push("a")
	rb.Push("b")
	rb.Clear()
	require.Zero(t, rb.Len())
	rb.Push("c")
	require.Equal(t, []string{"c"}, rb.Snapshot())
}
