package forgeloop

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryClient wraps a ModelClient and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff.
type retryClient struct {
	inner       ModelClient
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryClient.
type RetryOption func(*retryClient)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles: baseDelay, 2×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// RetryLogger sets a structured logger for retry attempts.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClient) { r.logger = l }
}

// WithRetry wraps c with automatic retry on transient HTTP errors (429,
// 503). Retries use exponential backoff with jitter; when the error
// carries a Retry-After duration, the delay is at least that long.
// Streams retry only while no chunk has been delivered — once streaming
// started, errors pass through to avoid duplicating content.
func WithRetry(c ModelClient, opts ...RetryOption) ModelClient {
	r := &retryClient{
		inner:       c,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryClient) Tags(ctx context.Context) (map[string]bool, error) {
	return retryCall(ctx, r, func() (map[string]bool, error) {
		return r.inner.Tags(ctx)
	})
}

func (r *retryClient) Ensure(ctx context.Context, model string) error {
	_, err := retryCall(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.Ensure(ctx, model)
	})
	return err
}

// GenerateStream implements ModelClient with retry. An attempt is only
// retried if fn has not been invoked yet.
func (r *retryClient) GenerateStream(ctx context.Context, model, prompt string, opts GenerateOptions, fn func(ModelChunk) error) error {
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		var chunkSent bool
		err := r.inner.GenerateStream(ctx, model, prompt, opts, func(ch ModelChunk) error {
			chunkSent = true
			return fn(ch)
		})
		if err == nil || !isTransient(err) || chunkSent {
			return err
		}
		lastErr = err
		r.warn(err, i)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, i, err)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (r *retryClient) warn(err error, attempt int) {
	if r.logger != nil {
		r.logger.Warn("model client retry", "status", statusOf(err), "attempt", attempt+1, "max_attempts", r.maxAttempts)
	}
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to r.maxAttempts times, sleeping between
// transient failures.
func retryCall[T any](ctx context.Context, r *retryClient, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		r.warn(err, i)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, i, err)); err != nil {
				return zero, err
			}
		}
	}
	return zero, last
}

func sleepRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ ModelClient = (*retryClient)(nil)
