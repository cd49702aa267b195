package deferred

import (
	"errors"
	"sync"
	"testing"
)

func TestDeferredResolve(t *testing.T) {
	d := New[string]()

	var got string
	var finalized bool
	d.OnSuccess(func(v string) { got = v })
	d.OnFinalize(func() { finalized = true })

	d.Resolve("queue-1")

	if got != "queue-1" {
		t.Errorf("Expected 'queue-1', got '%s'", got)
	}
	if !finalized {
		t.Error("Expected finalize to run after success")
	}
	if d.Status() != Succeeded {
		t.Errorf("Expected Succeeded, got %d", d.Status())
	}
}

func TestDeferredFail(t *testing.T) {
	d := New[string]()

	var got error
	var succeeded bool
	d.OnSuccess(func(string) { succeeded = true })
	d.OnError(func(err error) { got = err })

	want := errors.New("access refused")
	d.Fail(want)

	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if succeeded {
		t.Error("Success slot must not fire on failure")
	}
	if d.Err() != want {
		t.Errorf("Expected stored error %v, got %v", want, d.Err())
	}
}

func TestDeferredSingleTransition(t *testing.T) {
	d := New[int]()

	successes := 0
	failures := 0
	d.OnSuccess(func(int) { successes++ })
	d.OnError(func(error) { failures++ })

	d.Resolve(1)
	d.Resolve(2)
	d.Fail(errors.New("late"))

	if successes != 1 {
		t.Errorf("Expected exactly one success invocation, got %d", successes)
	}
	if failures != 0 {
		t.Errorf("Expected no failure invocations, got %d", failures)
	}

	d2 := New[int]()
	d2.OnSuccess(func(int) { successes++ })
	d2.OnError(func(error) { failures++ })

	d2.Fail(errors.New("first"))
	d2.Fail(errors.New("second"))
	d2.Resolve(3)

	if failures != 1 {
		t.Errorf("Expected exactly one failure invocation, got %d", failures)
	}
}

func TestDeferredLateRegistration(t *testing.T) {
	d := New[int]()
	d.Resolve(42)

	var got int
	var finalized bool
	d.OnSuccess(func(v int) { got = v })
	d.OnFinalize(func() { finalized = true })

	if got != 42 {
		t.Errorf("Expected stored result 42, got %d", got)
	}
	if !finalized {
		t.Error("Expected finalize to fire for a settled deferred")
	}

	d2 := New[int]()
	d2.Fail(errors.New("gone"))

	var gotErr error
	d2.OnError(func(err error) { gotErr = err })
	if gotErr == nil {
		t.Error("Expected stored error for a settled deferred")
	}
}

func TestDeferredConcurrentSettle(t *testing.T) {
	const workers = 64

	d := New[int]()
	fired := 0
	d.OnSuccess(func(int) { fired++ })

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				d.Resolve(n)
			} else {
				d.Fail(errors.New("race"))
			}
		}(i)
	}
	wg.Wait()

	if fired > 1 {
		t.Errorf("Success slot fired %d times", fired)
	}
	if d.Status() == Pending {
		t.Error("Expected a terminal status")
	}
}
