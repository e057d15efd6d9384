package jms

import "context"

// request is the completion handle for an operation that resolves on an
// engine goroutine after the caller has moved on. A nil *request is a
// valid no-op handle whose completion is discarded.
type request struct {
	done chan struct{}
	err  error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

// complete resolves the request with err (nil for success) and releases
// any waiters. Each request must be resolved exactly once; completing a
// request twice panics.
func (r *request) complete(err error) {
	if r == nil {
		return
	}
	select {
	case <-r.done:
		panic("jms: request completed twice")
	default:
	}
	r.err = err
	close(r.done)
}

// wait blocks until the request resolves or ctx expires. After a ctx
// error the request stays live; the engine still resolves it and the
// caller owns any compensating action.
func (r *request) wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrappedRequest layers bookkeeping around a target request: before runs
// ahead of the target's completion, after runs once the target has
// resolved. It is passed by value.
type wrappedRequest struct {
	target *request
	before func()
	after  func(error)
}

func (w wrappedRequest) complete(err error) {
	if w.before != nil {
		w.before()
	}
	w.target.complete(err)
	if w.after != nil {
		w.after(err)
	}
}
