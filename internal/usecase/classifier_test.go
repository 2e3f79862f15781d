package usecase

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chansync/internal/domain"
)

func TestClassifyNil(t *testing.T) {
	c := NewErrorClassifier()
	ce := c.Classify(nil)
	assert.Nil(t, ce.Sentinel)
	assert.False(t, ce.Retryable())
}

func TestClassifyFloodWaitString(t *testing.T) {
	c := NewErrorClassifier()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"Telegram says: [420 FLOOD_WAIT_45]", 45 * time.Second},
		{"A wait of 90 is required: flood wait of 90 seconds", 90 * time.Second},
		{"gateway: retry after 12", 12 * time.Second},
	}
	for _, tc := range cases {
		ce := c.Classify(errors.New(tc.in))
		assert.ErrorIs(t, domain.ErrRateLimited, ce.Sentinel, tc.in)
		assert.Equal(t, tc.want, ce.RetryAfter, tc.in)
		assert.True(t, ce.Retryable())
	}
}

func TestClassifyRateLimitSentinelCarriesWait(t *testing.T) {
	c := NewErrorClassifier()
	err := fmt.Errorf("send code: %w", &domain.RateLimitError{RetryAfter: 45 * time.Second})
	ce := c.Classify(err)
	assert.Equal(t, domain.ErrRateLimited, ce.Sentinel)
	assert.Equal(t, 45*time.Second, ce.RetryAfter)
}

func TestClassifySessionCorruption(t *testing.T) {
	c := NewErrorClassifier()
	for _, s := range []string{
		"401 AUTH_KEY_UNREGISTERED",
		"SESSION_REVOKED: the session was revoked",
		"401 USER_DEACTIVATED",
		"session_expired",
	} {
		ce := c.Classify(errors.New(s))
		assert.Equal(t, domain.ErrSessionCorrupted, ce.Sentinel, s)
		assert.False(t, ce.Retryable(), s)
	}
}

func TestClassifyChannelUnavailable(t *testing.T) {
	c := NewErrorClassifier()
	for _, s := range []string{
		"400 CHANNEL_PRIVATE",
		"CHAT_ADMIN_REQUIRED",
		"USERNAME_NOT_OCCUPIED",
		"PEER_ID_INVALID",
	} {
		ce := c.Classify(errors.New(s))
		assert.Equal(t, domain.ErrChannelUnavailable, ce.Sentinel, s)
	}
}

func TestClassifyAuthExchange(t *testing.T) {
	c := NewErrorClassifier()
	assert.Equal(t, domain.ErrInvalidCode, c.Classify(errors.New("400 PHONE_CODE_INVALID")).Sentinel)
	assert.Equal(t, domain.ErrExpiredCode, c.Classify(errors.New("400 PHONE_CODE_EXPIRED")).Sentinel)
	assert.Equal(t, domain.ErrPasswordRequired, c.Classify(errors.New("401 SESSION_PASSWORD_NEEDED")).Sentinel)
	assert.Equal(t, domain.ErrInvalidPassword, c.Classify(errors.New("400 PASSWORD_HASH_INVALID")).Sentinel)
}

func TestClassifyTransientNetwork(t *testing.T) {
	c := NewErrorClassifier()
	for _, s := range []string{
		"dial tcp 10.0.0.1:443: connection refused",
		"read: connection reset by peer",
		"lookup gateway.example: no such host",
		"context deadline exceeded",
	} {
		ce := c.Classify(errors.New(s))
		assert.Equal(t, domain.ErrTransientNetwork, ce.Sentinel, s)
		assert.True(t, ce.Retryable(), s)
	}
}

func TestClassifyUnknown(t *testing.T) {
	c := NewErrorClassifier()
	ce := c.Classify(errors.New("something entirely novel"))
	assert.Nil(t, ce.Sentinel)
	assert.False(t, ce.Retryable())
}

func TestClassifyWrappedSentinelWinsOverString(t *testing.T) {
	c := NewErrorClassifier()
	// The string mentions a flood wait, but the wrapped sentinel is
	// authoritative.
	err := fmt.Errorf("flood wait of 10: %w", domain.ErrSessionCorrupted)
	assert.Equal(t, domain.ErrSessionCorrupted, c.Classify(err).Sentinel)
}
