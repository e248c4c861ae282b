package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// RetryAfterFromHeaders extracts the wait a provider asked for on a rate
// limit: the standard Retry-After header (seconds or an HTTP-date),
// falling back to Anthropic's RFC3339 reset timestamp and OpenAI's
// duration-valued reset headers. Returns ok=false when no recognized
// header is present.
func RetryAfterFromHeaders(h http.Header) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
			return 0, true
		}
	}

	// Anthropic: anthropic-ratelimit-{requests,tokens}-reset carries an
	// RFC3339 instant.
	for _, key := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-tokens-reset",
	} {
		if v := h.Get(key); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				if d := time.Until(t); d > 0 {
					return d, true
				}
				return 0, true
			}
		}
	}

	// OpenAI: x-ratelimit-reset-{requests,tokens} carries a Go-style
	// duration like "1s" or "6m0s".
	for _, key := range []string{
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
	} {
		if v := h.Get(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				return d, true
			}
		}
	}

	return 0, false
}
