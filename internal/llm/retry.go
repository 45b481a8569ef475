package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// MaxRetryAttempts is the bounded-retry budget spec.md §4.2 requires for
// generate(): "10 attempts, exponential backoff" on transient failure.
const MaxRetryAttempts = 10

// ErrTransport is returned by WithRetry when all attempts are exhausted;
// the orchestrator surfaces this as error_kind=transport (spec.md §4.2).
var ErrTransport = errors.New("llm: transport error after retries")

// IsTransient classifies an error using the same substring heuristic the
// teacher's internal/orchestrator/handler.go uses for isTransientError:
// matching on the error text rather than a typed error hierarchy, since
// errors crossing an HTTP client boundary rarely preserve a typed cause.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"timeout", "temporary", "temporarily unavailable",
		"transient", "retry", "too many requests",
		"connection reset", "econnreset", "eof",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// WithRetry calls fn up to MaxRetryAttempts times with exponential backoff
// (base 250ms, capped at 8s, plus up to 20% jitter), retrying only on transient
// errors. Non-transient errors return immediately without consuming the
// remaining attempts. On exhaustion it wraps the last error in ErrTransport
// so callers can classify it uniformly as error_kind=transport.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == MaxRetryAttempts-1 {
			break
		}
		backoff := time.Duration(math.Min(250*math.Pow(2, float64(attempt)), 8000)) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 5 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return errors.Join(ErrTransport, lastErr)
}
