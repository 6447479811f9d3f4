// Package ringbuffer provides a fixed-capacity FIFO that drops its oldest item on overflow.
package ringbuffer

// Buffer is not safe for concurrent use. The registry loop owns every instance.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New creates a buffer holding at most capacity items. A capacity of zero
// (or less) retains nothing.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest entry when full.
func (b *Buffer[T]) Push(item T) {
	if len(b.items) == 0 {
		return
	}
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Snapshot returns the contents in arrival order. The slice is a copy.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	start := (b.head - b.size + len(b.items)) % max(len(b.items), 1)
	for i := range b.size {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

func (b *Buffer[T]) Len() int { return b.size }

func (b *Buffer[T]) Cap() int { return len(b.items) }

// Reset drops all items and releases references to them.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.head = 0
	b.size = 0
}
