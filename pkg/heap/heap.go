// Package heap provides a priority queue ordered by a comparison function
// supplied at construction, so that a merge can keep several independent
// orderings at once.
package heap

import "container/heap"

type Heap[T any] struct {
	inner inner[T]
}

// New returns an empty heap that pops the smallest item according to cmp.
func New[T any](cmp func(a, b T) int) *Heap[T] {
	return &Heap[T]{inner: inner[T]{cmp: cmp}}
}

func (h *Heap[T]) Len() int {
	return len(h.inner.items)
}

func (h *Heap[T]) Push(x T) {
	heap.Push(&h.inner, x)
}

func (h *Heap[T]) Pop() T {
	return heap.Pop(&h.inner).(T)
}

// Peek returns the smallest item without removing it.  The heap must not
// be empty.
func (h *Heap[T]) Peek() T {
	return h.inner.items[0]
}

// Fix restores the heap order after the smallest item changed in place.
func (h *Heap[T]) Fix() {
	heap.Fix(&h.inner, 0)
}

func (h *Heap[T]) Reset() {
	var zero T
	for k := range h.inner.items {
		h.inner.items[k] = zero
	}
	h.inner.items = h.inner.items[:0]
}

type inner[T any] struct {
	items []T
	cmp   func(a, b T) int
}

func (h inner[T]) Len() int           { return len(h.items) }
func (h inner[T]) Less(i, j int) bool { return h.cmp(h.items[i], h.items[j]) < 0 }
func (h inner[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *inner[T]) Push(x interface{}) {
	h.items = append(h.items, x.(T))
}

func (h *inner[T]) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	var zero T
	old[n-1] = zero
	h.items = old[0 : n-1]
	return x
}
