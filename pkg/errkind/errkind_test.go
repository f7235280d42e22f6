package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	retryable := []Kind{Timeout, RateLimited, HTTPError, NetworkError}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), string(k))
	}
	terminal := []Kind{AuthError, ContentTooLarge, ValidationError, CommandError, ParseError, DependencyError, StorageCollision, Unknown}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), string(k))
	}
}

func TestUnrecoverable(t *testing.T) {
	// auth_error is unrecoverable but not retryable.
	assert.True(t, AuthError.Unrecoverable())
	assert.False(t, AuthError.Retryable())

	assert.True(t, Timeout.Unrecoverable())
	assert.False(t, ValidationError.Unrecoverable())
	assert.False(t, ContentTooLarge.Unrecoverable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, None, KindOf(nil))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, RateLimited, KindOf(New(RateLimited, "slow down")))

	wrapped := fmt.Errorf("fetch commit: %w", Wrap(Timeout, "gitlab api", errors.New("deadline")))
	assert.Equal(t, Timeout, KindOf(wrapped))
}

func TestErrorFormatting(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(NetworkError, "svn log", base)
	assert.Equal(t, "network_error: svn log: connection refused", err.Error())
	require.ErrorIs(t, err, base)

	assert.Equal(t, "auth_error: bad token", New(AuthError, "bad token").Error())
}

func TestToAPI(t *testing.T) {
	api := ToAPI(New(RateLimited, "429 from upstream"), "wait and retry")
	assert.False(t, api.OK)
	assert.Equal(t, "rate_limited", api.ErrorCode)
	assert.True(t, api.Retryable)
	assert.Equal(t, "wait and retry", api.Suggestion)

	api = ToAPI(errors.New("mystery"), "")
	assert.Equal(t, "unknown", api.ErrorCode)
	assert.False(t, api.Retryable)
}
