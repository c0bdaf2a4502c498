// Package retry runs fallible operations with a fixed wait between attempts.
//
// The Run loop classifies each attempt as a success or a failure and consults
// the Policy to decide whether to try again. Failures can be marked transient
// by implementing a Retryable() bool method on the error type; see IsRetryable.
package retry

import (
	"context"
	"errors"
	"reflect"
	"time"
)

const (
	// DefaultWait is the pause between attempts when Policy.Wait is unset.
	DefaultWait = 100 * time.Millisecond

	// DefaultMaxAttempts is the attempt cap when Policy.MaxAttempts is unset.
	DefaultMaxAttempts = 3
)

// Policy controls how Run treats the outcome of each attempt.
type Policy struct {
	// Wait is the fixed pause between attempts. Defaults to DefaultWait.
	Wait time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// RetryOnEmptyResult retries successful attempts whose result is a nil
	// pointer, interface, map, slice, channel or function. Zero scalars and
	// zero structs are results, not absences, and never trigger a retry.
	RetryOnEmptyResult bool

	// RetryOnAnyError retries every failed attempt regardless of how the
	// error is classified.
	RetryOnAnyError bool

	// ShouldRetry, when set, gets the first say on every outcome before the
	// flags above are consulted. Successful attempts pass (result, nil),
	// failed attempts pass (nil, err).
	ShouldRetry func(result any, err error) bool
}

// DefaultPolicy retries empty results and all errors with the default wait
// and attempt cap.
func DefaultPolicy() Policy {
	return Policy{
		Wait:               DefaultWait,
		MaxAttempts:        DefaultMaxAttempts,
		RetryOnEmptyResult: true,
		RetryOnAnyError:    true,
	}
}

// TransientPolicy retries only failures classified as transient, either via
// Policy.ShouldRetry or a Retryable() bool method on the error.
func TransientPolicy() Policy {
	return Policy{
		Wait:        DefaultWait,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Run executes action until an attempt resolves, the policy gives up, or ctx
// is cancelled.
//
// Each attempt is resolved in order:
//   - success: ShouldRetry(result, nil) first; then a result that is itself a
//     non-nil error value is reclassified as a failure; then an empty result
//     retries when RetryOnEmptyResult is set; otherwise Run returns
//     (result, true, nil).
//   - failure: ShouldRetry(nil, err) first; then RetryOnAnyError; then
//     IsRetryable(err). When none of them ask for a retry, Run returns
//     (zero, false, err) immediately.
//
// When attempts are exhausted without a resolution, Run returns
// (zero, false, nil): no error to surface, but no usable result either.
// Cancellation between attempts returns ctx.Err().
func Run[T any](ctx context.Context, policy Policy, action func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	wait := policy.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return zero, false, ctx.Err()
			}
		}

		result, err := action(ctx)

		if err == nil {
			if policy.ShouldRetry != nil && policy.ShouldRetry(result, nil) {
				continue
			}
			resErr, isErr := any(result).(error)
			if !isErr || resErr == nil {
				if policy.RetryOnEmptyResult && isEmpty(result) {
					continue
				}
				return result, true, nil
			}
			// The action handed back an error as its result. Treat it the
			// same as a raised failure.
			err = resErr
		}

		if policy.ShouldRetry != nil && policy.ShouldRetry(nil, err) {
			continue
		}
		if policy.RetryOnAnyError || IsRetryable(err) {
			continue
		}
		return zero, false, err
	}

	return zero, false, nil
}

// IsRetryable reports whether err is marked as transient by a
// Retryable() bool method anywhere in its chain.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// isEmpty reports whether v holds no value: an untyped nil or a nil of a
// nilable kind.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
