// Package queue provides the FIFO used for per-entity waypoint backlogs.
package queue

// Queue is a generic FIFO with indexed access to its contents.
// It is not safe for concurrent use; callers own it from a single goroutine.
type Queue[T any] struct {
	items []T
}

// New creates a new empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
	}
}

// Push appends items to the tail.
func (q *Queue[T]) Push(items ...T) {
	q.items = append(q.items, items...)
}

// Pop removes and returns the head. Returns zero value if empty.
func (q *Queue[T]) Pop() T {
	var zero T
	if len(q.items) == 0 {
		return zero
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Tail returns the most recently pushed item without removing it.
func (q *Queue[T]) Tail() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[len(q.items)-1], true
}

// RemoveAt deletes the i-th item counted from the head, keeping order.
func (q *Queue[T]) RemoveAt(i int) T {
	item := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	var zero T
	q.items[len(q.items)-1] = zero
	q.items = q.items[:len(q.items)-1]
	return item
}

// IndexFunc returns the index of the first item at or after from that
// satisfies match, or -1.
func (q *Queue[T]) IndexFunc(from int, match func(T) bool) int {
	for i := from; i < len(q.items); i++ {
		if match(q.items[i]) {
			return i
		}
	}
	return -1
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Clear removes all items from the queue.
func (q *Queue[T]) Clear() {
	clear(q.items)
	q.items = q.items[:0]
}
