// Package retry implements RetryingExecutor: a retry loop with exponential
// backoff bounded by a retry-count limit, a wall-clock giveup budget, and an
// optional caller predicate over the failure. It has no dependency on the
// cache or leakybucket packages.
//
// The backoff schedule itself is delegated to
// github.com/cenkalti/backoff/v4's ExponentialBackOff — this package only
// adapts that schedule to the specific defaults, giveup policy, and hook
// shape the retrying executor contract calls for.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults mirror the contract: retryLimit 5, initialRetryWait 500ms,
// maxRetryWait 300000ms, waitGrowRate 2.0, giveupTimeout disabled.
const (
	DefaultRetryLimit    = 5
	DefaultInitialWait   = 500 * time.Millisecond
	DefaultMaxWait       = 300_000 * time.Millisecond
	DefaultWaitGrowRate  = 2.0
	DefaultGiveupTimeout = 0 // disabled
)

// RetryGiveupError wraps the first error raised by the operation, once the
// executor decides to stop retrying without a caller-supplied OnGiveup hook.
type RetryGiveupError struct {
	First error
	Last  error
}

func (e *RetryGiveupError) Error() string {
	if e.First == e.Last || e.Last == nil {
		return fmt.Sprintf("retry: gave up after first error: %v", e.First)
	}
	return fmt.Sprintf("retry: gave up after first error: %v (last: %v)", e.First, e.Last)
}

func (e *RetryGiveupError) Unwrap() error { return e.First }

// Config configures an Executor. Zero Config is valid and uses the package
// defaults.
type Config struct {
	// RetryLimit caps the number of retries after the first attempt.
	// Non-positive values fall back to DefaultRetryLimit.
	RetryLimit int
	// InitialRetryWait is the wait before the first retry. Defaults to
	// DefaultInitialWait.
	InitialRetryWait time.Duration
	// MaxRetryWait caps the backoff wait. Defaults to DefaultMaxWait.
	MaxRetryWait time.Duration
	// WaitGrowRate is the exponential multiplier applied per attempt.
	// Defaults to DefaultWaitGrowRate.
	WaitGrowRate float64
	// GiveupTimeout is the wall-clock budget for the whole retry loop,
	// starting at the first attempt. 0 disables the budget.
	GiveupTimeout time.Duration
	// RetryIf decides whether a given error should be retried. Nil means
	// always retry (subject to RetryLimit/GiveupTimeout).
	RetryIf func(err error) bool
	// OnRetry is called before each wait, with the error that triggered
	// it, the 1-indexed retry count so far, the configured limit, and the
	// wait about to be taken.
	OnRetry func(err error, retryCount, retryLimit int, wait time.Duration)
	// OnGiveup is called instead of wrapping the first error in
	// RetryGiveupError, if set.
	OnGiveup func(first, last error)
}

// Executor runs a fallible operation with exponential backoff.
type Executor struct {
	cfg Config
}

// New constructs an Executor, applying defaults to zero fields.
func New(cfg Config) *Executor {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.InitialRetryWait <= 0 {
		cfg.InitialRetryWait = DefaultInitialWait
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = DefaultMaxWait
	}
	if cfg.WaitGrowRate <= 0 {
		cfg.WaitGrowRate = DefaultWaitGrowRate
	}
	return &Executor{cfg: cfg}
}

func (e *Executor) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialRetryWait
	b.MaxInterval = e.cfg.MaxRetryWait
	b.Multiplier = e.cfg.WaitGrowRate
	b.RandomizationFactor = 0 // deterministic min(max, initial*rate^i) schedule
	b.MaxElapsedTime = e.cfg.GiveupTimeout
	b.Reset()
	return b
}

// Run executes fn, retrying with backoff on error. The backoff sleep
// observes ctx cancellation: a cancelled ctx stops retrying immediately and
// Run returns ctx.Err().
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.run(ctx, fn, true)
}

// RunUninterruptible executes fn like Run, but the backoff sleep ignores
// context cancellation and the retry loop runs to completion (limit or
// giveup timeout).
func (e *Executor) RunUninterruptible(fn func(ctx context.Context) error) error {
	return e.run(context.Background(), fn, false)
}

func (e *Executor) run(ctx context.Context, fn func(ctx context.Context) error, interruptible bool) error {
	var bo backoff.BackOff = e.backOff()
	bo = backoff.WithMaxRetries(bo, uint64(e.cfg.RetryLimit))
	if interruptible {
		bo = backoff.WithContext(bo, ctx)
	}

	var (
		firstErr error
		lastErr  error
		attempt  int
	)

	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if firstErr == nil {
			firstErr = err
		}
		if e.cfg.RetryIf != nil && !e.cfg.RetryIf(err) {
			// backoff.Permanent stops the retry loop immediately;
			// RetryNotify unwraps it back to err before returning.
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		attempt++
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(err, attempt, e.cfg.RetryLimit, wait)
		}
	}

	err := backoff.RetryNotify(operation, bo, notify)
	if err == nil {
		return nil
	}
	// A cancelled ctx short-circuits the loop without reaching RetryLimit
	// or the RetryIf predicate; surface it as-is rather than wrapping it.
	if interruptible && ctx.Err() != nil {
		return ctx.Err()
	}

	if e.cfg.OnGiveup != nil {
		e.cfg.OnGiveup(firstErr, lastErr)
		return nil
	}
	return &RetryGiveupError{First: firstErr, Last: lastErr}
}

// RunValue is a generic wrapper around Run for operations that produce a
// value. Go methods cannot carry their own type parameters, so this is a
// package-level function rather than an Executor method.
func RunValue[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

// RunValueUninterruptible is the RunUninterruptible counterpart of RunValue.
func RunValueUninterruptible[T any](e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.RunUninterruptible(func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}
