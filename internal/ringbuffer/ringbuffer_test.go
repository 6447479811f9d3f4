package ringbuffer

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_SnapshotKeepsLastCapacityItems(t *testing.T) {
	for _, capacity := range []int{0, 1, 2, 5} {
		for n := range 12 {
			t.Run("cap="+strconv.Itoa(capacity)+"/n="+strconv.Itoa(n), func(t *testing.T) {
				b := New[int](capacity)
				for i := range n {
					b.Push(i)
				}

				want := []int{}
				for i := max(0, n-capacity); i < n; i++ {
					want = append(want, i)
				}

				assert.Equal(t, want, b.Snapshot())
				assert.Equal(t, min(n, capacity), b.Len())
			})
		}
	}
}

func TestBuffer_SnapshotIsIsolated(t *testing.T) {
	b := New[string](3)
	b.Push("a")
	b.Push("b")

	snap := b.Snapshot()
	b.Push("c")
	b.Push("d")
	snap[0] = "mutated"

	assert.Equal(t, []string{"mutated", "b"}, snap)
	assert.Equal(t, []string{"b", "c", "d"}, b.Snapshot())
}

func TestBuffer_NegativeCapacity(t *testing.T) {
	b := New[string](-4)
	b.Push("a")

	assert.Equal(t, 0, b.Cap())
	assert.Empty(t, b.Snapshot())
}

func TestBuffer_Reset(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Reset()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())

	b.Push("c")
	assert.Equal(t, []string{"c"}, b.Snapshot())
}
