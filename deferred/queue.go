package deferred

import (
	"sync"
)

// Queue is a FIFO of outstanding operations. Responses for a logical channel
// are correlated to requests purely by arrival order, so the queue is the
// whole correlation state: the head is always the operation whose response
// is expected next.
//
// Pushes are safe while a popped entry's callbacks are still running, which
// is what re-entrant issuance from inside a continuation does. The head
// index only moves forward; entries are never mutated in place.
type Queue[T any] struct {
	mu   sync.Mutex
	ops  []T
	head int
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, v)
}

// Pop removes and returns the head of the queue.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.ops) {
		return zero, false
	}

	v := q.ops[q.head]
	q.ops[q.head] = zero
	q.head++

	if q.head == len(q.ops) {
		q.ops = q.ops[:0]
		q.head = 0
	}
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops) - q.head
}

// Drain empties the queue and returns the remaining entries in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := make([]T, len(q.ops)-q.head)
	copy(rest, q.ops[q.head:])

	var zero T
	for i := q.head; i < len(q.ops); i++ {
		q.ops[i] = zero
	}
	q.ops = q.ops[:0]
	q.head = 0
	return rest
}
