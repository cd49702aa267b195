package deferred

import (
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()

	for i := 1; i <= 5; i++ {
		q.Push(i)
	}

	if q.Len() != 5 {
		t.Errorf("Expected length 5, got %d", q.Len())
	}

	for i := 1; i <= 5; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Errorf("Expected %d, got %d (ok=%v)", i, v, ok)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestQueuePushDuringDispatch(t *testing.T) {
	// Popping an entry and pushing follow-ups while it is being handled is
	// exactly what dependent chaining does; order must survive it.
	q := NewQueue[string]()
	q.Push("declare-queue")
	q.Push("declare-exchange")

	var order []string
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, v)
		if v == "declare-queue" {
			q.Push("bind")
			q.Push("consume")
		}
	}

	want := []string{"declare-queue", "declare-exchange", "bind", "consume"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	v, _ := q.Pop()
	if v != 1 {
		t.Fatalf("Expected 1, got %d", v)
	}

	rest := q.Drain()
	if len(rest) != 2 || rest[0] != 2 || rest[1] != 3 {
		t.Errorf("Expected [2 3], got %v", rest)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after drain, got %d", q.Len())
	}

	if got := q.Drain(); len(got) != 0 {
		t.Errorf("Expected empty drain, got %v", got)
	}
}

func TestQueueReuseAfterEmpty(t *testing.T) {
	q := NewQueue[int]()

	for round := 0; round < 3; round++ {
		q.Push(10)
		q.Push(20)
		if v, _ := q.Pop(); v != 10 {
			t.Fatalf("round %d: expected 10, got %d", round, v)
		}
		if v, _ := q.Pop(); v != 20 {
			t.Fatalf("round %d: expected 20, got %d", round, v)
		}
	}
}
