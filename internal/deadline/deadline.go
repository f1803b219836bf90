// Package deadline bounds a cancellable operation by a wall-clock budget.
//
// Run starts the operation on its own goroutine with a derived context and
// waits for whichever happens first: the result, the budget expiring, or
// the parent context ending. On expiry the derived context is cancelled and
// Run returns immediately without waiting for the operation to unwind, so
// callers must treat any late side effects of op as orphaned.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTimeout is returned when the budget elapses before op completes.
var ErrTimeout = errors.New("deadline exceeded")

// TimeoutError carries the budget that was exceeded.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %s", ErrTimeout, e.Budget)
}

// Unwrap lets errors.Is match ErrTimeout.
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IsTimeout reports whether err came from an expired budget.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// PanicError is returned when op panics. Stack is captured where the
// panic was recovered.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type result[T any] struct {
	val T
	err error
}

// call runs op, converting a panic into a *PanicError.
func call[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return op(ctx)
}

// Run executes op under budget.
//
// It returns op's value and error when op finishes in time. When the budget
// elapses first it returns the zero value, timedOut=true and a
// *TimeoutError. When ctx ends first it returns ctx.Err(). A budget of zero
// or less runs op inline with ctx and no timer. A panic in op is returned
// as a *PanicError on either path; it never escapes the op goroutine.
func Run[T any](ctx context.Context, budget time.Duration, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	if budget <= 0 {
		v, err := call(ctx, op)
		return v, false, err
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned op can always deliver and exit.
	done := make(chan result[T], 1)
	go func() {
		v, err := call(opCtx, op)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, false, r.err
	case <-timer.C:
		return zero, true, &TimeoutError{Budget: budget}
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Guard applies a fixed budget to successive operations.
type Guard struct {
	Budget time.Duration
}

// Do runs op under the guard's budget. It is Run without a result value.
func (g Guard) Do(ctx context.Context, op func(ctx context.Context) error) (bool, error) {
	_, timedOut, err := Run(ctx, g.Budget, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return timedOut, err
}
