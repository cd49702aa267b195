package deferred

import (
	"sync"
)

// Status of a deferred operation.
type Status uint8

const (
	Pending Status = iota
	Succeeded
	Failed
)

// Deferred is a one-shot handle for the eventual outcome of a single issued
// operation. It carries three continuation slots: success (with the
// operation's typed result), error, and finalize. A deferred transitions out
// of Pending exactly once; later Resolve or Fail calls are ignored.
// Callbacks registered after the transition are invoked immediately with the
// stored outcome.
type Deferred[T any] struct {
	mu sync.Mutex

	status Status
	val    T
	err    error

	success  func(T)
	failure  func(error)
	finalize func()
}

func New[T any]() *Deferred[T] {
	return &Deferred[T]{}
}

// OnSuccess registers the success continuation. Registering a second time
// replaces the first.
func (d *Deferred[T]) OnSuccess(fn func(T)) *Deferred[T] {
	d.mu.Lock()
	if d.status == Pending {
		d.success = fn
		d.mu.Unlock()
		return d
	}
	status, val := d.status, d.val
	d.mu.Unlock()

	if status == Succeeded && fn != nil {
		fn(val)
	}
	return d
}

// OnError registers the error continuation.
func (d *Deferred[T]) OnError(fn func(error)) *Deferred[T] {
	d.mu.Lock()
	if d.status == Pending {
		d.failure = fn
		d.mu.Unlock()
		return d
	}
	status, err := d.status, d.err
	d.mu.Unlock()

	if status == Failed && fn != nil {
		fn(err)
	}
	return d
}

// OnFinalize registers a continuation invoked after either terminal
// transition, following the success or error slot.
func (d *Deferred[T]) OnFinalize(fn func()) *Deferred[T] {
	d.mu.Lock()
	if d.status == Pending {
		d.finalize = fn
		d.mu.Unlock()
		return d
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
	return d
}

// Resolve transitions the deferred to Succeeded and fires the success and
// finalize slots. No-op if the deferred already left Pending.
func (d *Deferred[T]) Resolve(val T) {
	d.mu.Lock()
	if d.status != Pending {
		d.mu.Unlock()
		return
	}
	d.status = Succeeded
	d.val = val
	success, finalize := d.success, d.finalize
	d.mu.Unlock()

	if success != nil {
		success(val)
	}
	if finalize != nil {
		finalize()
	}
}

// Fail transitions the deferred to Failed and fires the error and finalize
// slots. No-op if the deferred already left Pending.
func (d *Deferred[T]) Fail(err error) {
	d.mu.Lock()
	if d.status != Pending {
		d.mu.Unlock()
		return
	}
	d.status = Failed
	d.err = err
	failure, finalize := d.failure, d.finalize
	d.mu.Unlock()

	if failure != nil {
		failure(err)
	}
	if finalize != nil {
		finalize()
	}
}

func (d *Deferred[T]) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Err returns the failure outcome, nil while Pending or after success.
func (d *Deferred[T]) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
