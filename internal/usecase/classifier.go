package usecase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chansync/internal/domain"
)

// ClassifiedError holds the result of provider error classification.
type ClassifiedError struct {
	Original   error
	Sentinel   error         // mapped domain sentinel, or nil when unknown
	RetryAfter time.Duration // provider-mandated wait, 0 if none
}

// Retryable reports whether the classified error may succeed on retry.
func (c ClassifiedError) Retryable() bool {
	return c.Sentinel != nil && domain.IsRetryableError(c.Sentinel)
}

// ErrorClassifier maps raw feed-provider errors onto the closed domain
// taxonomy. Providers signal conditions either through wrapped sentinels
// (from well-behaved adapters) or through protocol error strings such as
// "FLOOD_WAIT_45" or "AUTH_KEY_UNREGISTERED".
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// floodWaitPattern matches the mandated wait in seconds from flood-wait
// style error strings ("FLOOD_WAIT_45", "flood wait of 45 seconds",
// "retry after 45").
var floodWaitPattern = regexp.MustCompile(`(?i)(?:flood[_ ]?wait[_of ]*|retry[_ ]after[: ]*)(\d+)`)

// sessionCorruptionMarkers are provider error fragments that mean the
// session is unrecoverable and must be reset.
var sessionCorruptionMarkers = []string{
	"auth_key_unregistered",
	"auth_key_invalid",
	"auth_key_duplicated",
	"session_revoked",
	"session_expired",
	"user_deactivated",
	"unauthorized",
}

// channelUnavailableMarkers are per-channel permission or lookup failures.
var channelUnavailableMarkers = []string{
	"channel_private",
	"channel_invalid",
	"chat_admin_required",
	"username_not_occupied",
	"username_invalid",
	"peer_id_invalid",
}

// transientMarkers are connection-level failures worth a local retry.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timeout",
	"deadline exceeded",
	"unexpected eof",
}

// Classify inspects a raw provider error and returns its mapped sentinel
// plus any mandated wait. Sentinels already present in the chain win over
// string matching.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if ce := c.classifyBySentinel(err); ce.Sentinel != nil {
		return ce
	}

	return c.classifyByString(err, strings.ToLower(err.Error()))
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		ce := ClassifiedError{Original: err, Sentinel: domain.ErrRateLimited}
		if wait, ok := domain.RetryAfterOf(err); ok {
			ce.RetryAfter = wait
		}
		return ce
	case errors.Is(err, domain.ErrSessionCorrupted):
		return ClassifiedError{Original: err, Sentinel: domain.ErrSessionCorrupted}
	case errors.Is(err, domain.ErrChannelUnavailable):
		return ClassifiedError{Original: err, Sentinel: domain.ErrChannelUnavailable}
	case errors.Is(err, domain.ErrTransientNetwork):
		return ClassifiedError{Original: err, Sentinel: domain.ErrTransientNetwork}
	case errors.Is(err, domain.ErrPasswordRequired):
		return ClassifiedError{Original: err, Sentinel: domain.ErrPasswordRequired}
	case errors.Is(err, domain.ErrInvalidCode):
		return ClassifiedError{Original: err, Sentinel: domain.ErrInvalidCode}
	case errors.Is(err, domain.ErrExpiredCode):
		return ClassifiedError{Original: err, Sentinel: domain.ErrExpiredCode}
	case errors.Is(err, domain.ErrInvalidPassword):
		return ClassifiedError{Original: err, Sentinel: domain.ErrInvalidPassword}
	case errors.Is(err, domain.ErrAuthRequired):
		return ClassifiedError{Original: err, Sentinel: domain.ErrAuthRequired}
	default:
		return ClassifiedError{Original: err}
	}
}

func (c *ErrorClassifier) classifyByString(err error, lower string) ClassifiedError {
	if m := floodWaitPattern.FindStringSubmatch(lower); len(m) == 2 {
		secs, _ := strconv.Atoi(m[1])
		return ClassifiedError{
			Original:   err,
			Sentinel:   domain.ErrRateLimited,
			RetryAfter: time.Duration(secs) * time.Second,
		}
	}
	for _, p := range []string{"too many requests", "rate limit"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Sentinel: domain.ErrRateLimited}
		}
	}

	for _, p := range sessionCorruptionMarkers {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Sentinel: domain.ErrSessionCorrupted}
		}
	}

	for _, p := range channelUnavailableMarkers {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Sentinel: domain.ErrChannelUnavailable}
		}
	}

	switch {
	case strings.Contains(lower, "phone_code_invalid"):
		return ClassifiedError{Original: err, Sentinel: domain.ErrInvalidCode}
	case strings.Contains(lower, "phone_code_expired"):
		return ClassifiedError{Original: err, Sentinel: domain.ErrExpiredCode}
	case strings.Contains(lower, "session_password_needed"):
		return ClassifiedError{Original: err, Sentinel: domain.ErrPasswordRequired}
	case strings.Contains(lower, "password_hash_invalid"):
		return ClassifiedError{Original: err, Sentinel: domain.ErrInvalidPassword}
	}

	for _, p := range transientMarkers {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Sentinel: domain.ErrTransientNetwork}
		}
	}

	return ClassifiedError{Original: err}
}
