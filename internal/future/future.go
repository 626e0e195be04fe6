// Package future provides a single-assignment result that callers can
// wait on with a context.
package future

import (
	"context"
	"sync"
)

// Future holds a value or an error that becomes available later.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Ready returns a future already resolved with v.
func Ready[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v, nil)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	var zero T
	f.Resolve(zero, err)
	return f
}

// Go runs fn in a new goroutine and resolves the future with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		f.Resolve(v, err)
	}()
	return f
}

// Resolve sets the result. Only the first call has an effect.
func (f *Future[T]) Resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until every future is resolved or ctx ends and returns the
// first error met.
func Wait[T any](ctx context.Context, fs ...*Future[T]) error {
	for _, f := range fs {
		if _, err := f.Get(ctx); err != nil {
			return err
		}
	}
	return nil
}
