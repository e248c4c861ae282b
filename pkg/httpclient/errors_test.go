package httpclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{500, 502, 503, 529, 429, 408}
	for _, code := range retryable {
		assert.True(t, IsRetryableStatus(code), "status %d", code)
	}
	permanent := []int{200, 400, 401, 403, 404, 422}
	for _, code := range permanent {
		assert.False(t, IsRetryableStatus(code), "status %d", code)
	}
}

func TestClassifyWrapsTransientStatuses(t *testing.T) {
	base := errors.New("upstream said no")
	err := Classify(503, "service unavailable", 0, base)

	var re *RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 503, re.StatusCode)
	assert.ErrorIs(t, err, base)
}

func TestClassifyLeavesPermanentErrorsAlone(t *testing.T) {
	base := errors.New("invalid api key")
	err := Classify(401, "unauthorized", 0, base)
	assert.Equal(t, base, err)
	var re *RetryableError
	assert.False(t, errors.As(err, &re))
}

func TestRetryableErrorMessageIncludesWait(t *testing.T) {
	e := &RetryableError{StatusCode: 429, Message: "rate limited", RetryAfter: 30 * time.Second}
	assert.Equal(t, "HTTP 429: rate limited (retry after 30s)", e.Error())

	e = &RetryableError{StatusCode: 500, Message: "boom"}
	assert.Equal(t, "HTTP 500: boom", e.Error())
}
