package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeleteFirst(t *testing.T) {
	a := []int{1, 2, 3}
	b := DeleteFirst(a, -1)
	require.Equal(t, a, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 1)
	require.Equal(t, []int{2, 3}, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 2)
	require.Equal(t, []int{1, 3}, b)

	a = []int{1, 2, 3}
	b = DeleteFirst(a, 3)
	require.Equal(t, []int{1, 2}, b)

	a = []int{1}
	b = DeleteFirst(a, 1)
	require.Empty(t, b)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 0.0, Clamp(-0.5, 0, 1))
	require.Equal(t, 1.0, Clamp(1.5, 0, 1))
	require.Equal(t, 0.25, Clamp(0.25, 0, 1))
}

func TestDrainChannelIntoSlice(t *testing.T) {
	ch := make(chan int, 4)
	ch <- 1
	ch <- 2
	require.Equal(t, []int{1, 2}, DrainChannelIntoSlice(ch))
	require.Empty(t, DrainChannelIntoSlice(ch))
}

func TestCopySlice(t *testing.T) {
	a := []int{1, 2}
	b := CopySlice(a)
	b[0] = 9
	require.Equal(t, []int{1, 2}, a)
	require.Equal(t, []int{}, CopySlice([]int(nil)))
}
