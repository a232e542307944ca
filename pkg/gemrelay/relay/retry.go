package relay

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Default retry parameters. Tuned for a chat UI: fail fast enough that the
// dispatcher can move to the next key while the user is still watching the
// progress indicator.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Operation is one transport call attempted under retry.
type Operation func(ctx context.Context) error

// RetryEngine executes an operation against a single credential/model
// pairing with bounded retries and classified, adaptive backoff. It never
// touches the key pool: health bookkeeping belongs to the dispatcher, which
// keeps this component transport-agnostic and testable in isolation.
type RetryEngine struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep waits for the given duration or until ctx is done. Replaced in
	// tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryEngine creates an engine with the given attempt budget. Zero or
// negative values fall back to the defaults.
func NewRetryEngine(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryEngine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &RetryEngine{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepCtx,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxAttempts returns the configured attempt budget.
func (e *RetryEngine) MaxAttempts() int { return e.maxAttempts }

// Run executes op until it succeeds, fails with a non-retryable error, the
// context is cancelled, or the attempt budget is exhausted. The last
// observed error is returned on exhaustion.
func (e *RetryEngine) Run(ctx context.Context, op Operation) error {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Cancellation is not a credential fault; stop without consuming
		// further attempts.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cls := Classify(err)
		if !cls.Retryable {
			return err
		}
		if attempt == e.maxAttempts-1 {
			break
		}

		delay := e.backoff(cls.Category, attempt)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return lastErr
}

// backoff computes the wait before retry number attempt+1. Quota errors
// back off steeper (factor 3) to give rate-limit windows a chance to reset;
// timeouts double; everything else doubles with additive jitter of up to one
// base unit so concurrent callers do not retry in lockstep.
func (e *RetryEngine) backoff(cat Category, attempt int) time.Duration {
	var d time.Duration
	switch cat {
	case CategoryQuota:
		d = e.baseDelay * pow(3, attempt+1)
	case CategoryTimeout:
		d = e.baseDelay * pow(2, attempt+1)
	default:
		d = e.baseDelay*pow(2, attempt+1) + e.jitter()
	}
	if d > e.maxDelay {
		d = e.maxDelay
	}
	return d
}

// jitter returns a random duration in [0, baseDelay).
func (e *RetryEngine) jitter() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Int63n(int64(e.baseDelay)))
}

// pow is integer exponentiation as a time.Duration multiplier.
func pow(base, exp int) time.Duration {
	result := time.Duration(1)
	for i := 0; i < exp; i++ {
		result *= time.Duration(base)
	}
	return result
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("cancelled during backoff: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
