package provider

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/loopcore/loopcore/pkg/httpclient"
	"github.com/loopcore/loopcore/pkg/message"
)

// retryableSubstrings are matched case-insensitively against an error's
// message when the SDK doesn't expose a structured status code — some
// gateway/proxy failures only ever surface as plain text.
var retryableSubstrings = []string{"overload", "internal", "timeout"}

const (
	maxAttempts  = 5
	baseDelay    = time.Second
	maxDelay     = 30 * time.Second
)

// isRetryable reports whether err is worth a fresh attempt: network
// timeouts, context deadline exceeded (but not context.Canceled, which
// means the caller gave up), and errors whose text names a known
// transient condition.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *httpclient.RetryableError
	if errors.As(err, &re) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func backoff(attempt int) time.Duration {
	d := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// delayFor returns the wait before the next attempt, honoring a
// server-provided Retry-After over the computed exponential backoff when
// the server asked for longer.
func delayFor(attempt int, err error) time.Duration {
	d := backoff(attempt)
	var re *httpclient.RetryableError
	if errors.As(err, &re) && re.RetryAfter > d {
		if re.RetryAfter > maxDelay {
			return maxDelay
		}
		return re.RetryAfter
	}
	return d
}

// retrying wraps a Provider with the retry policy above. Chat is retried
// wholesale, since it either fully succeeds or fully fails. Stream is only
// retried for the attempt that fails before yielding its first token — an
// attempt that yielded output and then failed is reported to the caller as
// a failed stream, never silently restarted, because the caller may have
// already appended partial text to the log.
type retrying struct {
	inner Provider
}

// WithRetry decorates p so transient failures are retried with exponential
// backoff, up to maxAttempts total tries.
func WithRetry(p Provider) Provider {
	return &retrying{inner: p}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Chat(ctx context.Context, messages []message.Message, tools []ToolSchema) (string, message.Usage, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, delayFor(attempt, lastErr)) {
				return "", message.Usage{}, ctx.Err()
			}
		}
		text, usage, err := r.inner.Chat(ctx, messages, tools)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", message.Usage{}, err
		}
		slog.Warn("provider chat failed, retrying", "provider", r.inner.Name(), "attempt", attempt+1, "error", err)
	}
	return "", message.Usage{}, lastErr
}

// Stream returns an iterator that transparently retries on a fresh
// provider attempt as long as every failure so far happened before any
// token reached the caller. Once a single token has been yielded, any
// later error is forwarded as-is and the sequence ends — restarting at
// that point would duplicate text the caller (the step engine) may have
// already appended to the log.
func (r *retrying) Stream(ctx context.Context, messages []message.Message, tools []ToolSchema) (iter.Seq2[Token, error], error) {
	seq := func(yield func(Token, error) bool) {
		yieldedAny := false
		var lastErr error

		for attempt := 0; attempt < maxAttempts; attempt++ {
			if attempt > 0 {
				if !sleep(ctx, delayFor(attempt, lastErr)) {
					yield(Token{}, ctx.Err())
					return
				}
			}

			inner, err := r.inner.Stream(ctx, messages, tools)
			if err != nil {
				lastErr = err
				if !isRetryable(err) {
					yield(Token{}, err)
					return
				}
				slog.Warn("provider stream failed to start, retrying", "provider", r.inner.Name(), "attempt", attempt+1, "error", err)
				continue
			}

			attemptFailed := false
			for tok, tokErr := range inner {
				if tokErr != nil {
					lastErr = tokErr
					if yieldedAny || !isRetryable(tokErr) {
						yield(Token{}, tokErr)
						return
					}
					slog.Warn("provider stream failed before first token, retrying", "provider", r.inner.Name(), "attempt", attempt+1, "error", tokErr)
					attemptFailed = true
					break
				}
				yieldedAny = true
				if !yield(tok, nil) {
					return
				}
			}
			if !attemptFailed {
				return
			}
		}
		yield(Token{}, lastErr)
	}
	return seq, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
