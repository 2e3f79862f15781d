package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer. Provider failures are classified
// into this closed set; callers match with errors.Is rather than catching
// broad failures.
var (
	// ErrAuthRequired means no authorized session exists. Fatal for a
	// sync run, surfaced immediately.
	ErrAuthRequired = fmt.Errorf("authorization required")
	// ErrRateLimited is the provider throttling us. Carried by
	// RateLimitError with the mandated wait.
	ErrRateLimited = fmt.Errorf("rate limited by provider")
	// ErrSessionCorrupted means the provider session was revoked,
	// expired or invalidated; triggers an automatic session reset.
	ErrSessionCorrupted = fmt.Errorf("provider session corrupted")
	// ErrChannelUnavailable is a per-channel permission or lookup
	// failure; skips that channel, non-fatal to a run.
	ErrChannelUnavailable = fmt.Errorf("channel unavailable")
	// ErrTransientNetwork is a connection-level failure worth retrying.
	ErrTransientNetwork = fmt.Errorf("transient network failure")
	// ErrMediaDownload is a failed or invalid attachment download; the
	// content unit persists without the attachment.
	ErrMediaDownload = fmt.Errorf("media download failed")

	ErrInvalidCode      = fmt.Errorf("login code invalid")
	ErrExpiredCode      = fmt.Errorf("login code expired")
	ErrInvalidPassword  = fmt.Errorf("two-factor password invalid")
	ErrPasswordRequired = fmt.Errorf("two-factor password required")

	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// RateLimitError carries the provider-mandated wait. It matches
// ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterOf extracts the mandated wait from an error chain. The
// second result is false when err is not a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Session.RequestCode")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed on
// retry (after any mandated wait).
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientNetwork)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeAuthRequired       ErrorCode = "AUTH_REQUIRED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeSessionCorrupted   ErrorCode = "SESSION_CORRUPTED"
	CodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"
	CodeTransientNetwork   ErrorCode = "TRANSIENT_NETWORK"
	CodeMediaDownload      ErrorCode = "MEDIA_DOWNLOAD"
	CodeInvalidCode        ErrorCode = "INVALID_CODE"
	CodeExpiredCode        ErrorCode = "EXPIRED_CODE"
	CodeInvalidPassword    ErrorCode = "INVALID_PASSWORD"
	CodePasswordRequired   ErrorCode = "PASSWORD_REQUIRED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAuthRequired:       CodeAuthRequired,
	ErrRateLimited:        CodeRateLimited,
	ErrSessionCorrupted:   CodeSessionCorrupted,
	ErrChannelUnavailable: CodeChannelUnavailable,
	ErrTransientNetwork:   CodeTransientNetwork,
	ErrMediaDownload:      CodeMediaDownload,
	ErrInvalidCode:        CodeInvalidCode,
	ErrExpiredCode:        CodeExpiredCode,
	ErrInvalidPassword:    CodeInvalidPassword,
	ErrPasswordRequired:   CodePasswordRequired,
	ErrTimeout:            CodeTimeout,
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrInvalidInput:       CodeInvalidInput,
}

// ErrorCodeOf returns the machine-parseable error code for the given
// error. It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
