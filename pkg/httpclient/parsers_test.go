package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}

func TestRetryAfterAnthropicResetHeader(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-reset", time.Now().Add(20*time.Second).UTC().Format(time.RFC3339))
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Greater(t, d, 15*time.Second)
}

func TestRetryAfterAnthropicResetInPast(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-tokens-reset", time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
}

func TestRetryAfterOpenAIDurationHeader(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-tokens", "6m30s")
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 6*time.Minute+30*time.Second, d)
}

func TestRetryAfterNoHeaders(t *testing.T) {
	_, ok := RetryAfterFromHeaders(http.Header{})
	assert.False(t, ok)
}

func TestRetryAfterPrefersStandardHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	h.Set("x-ratelimit-reset-tokens", "10m")
	d, ok := RetryAfterFromHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}
