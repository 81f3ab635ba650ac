package domain

import (
	"errors"
	"net/http"
	"time"
)

// Kind classifies a failure so the request layer can pick a status code
// without string matching.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidCredentials
	KindTooManyAttempts
	KindInvalidToken
	KindTokenExpired
	KindInvalidOrExpiredToken
	KindInvalidCode
	KindNotStarted
	KindNotEnabled
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindValidation:            "validation",
	KindInvalidCredentials:    "invalid_credentials",
	KindTooManyAttempts:       "too_many_attempts",
	KindInvalidToken:          "invalid_token",
	KindTokenExpired:          "token_expired",
	KindInvalidOrExpiredToken: "invalid_or_expired_token",
	KindInvalidCode:           "invalid_code",
	KindNotStarted:            "not_started",
	KindNotEnabled:            "not_enabled",
	KindUnauthorized:          "unauthorized",
	KindForbidden:             "forbidden",
	KindNotFound:              "not_found",
	KindConflict:              "conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Status maps the kind to its HTTP status class.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindInvalidOrExpiredToken, KindInvalidCode, KindNotStarted, KindNotEnabled:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindInvalidToken, KindTokenExpired, KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure returned by the auth core. Two errors match
// under errors.Is when their kinds are equal, so callers compare against
// the sentinels below.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind with a caller-specific message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	ErrValidation            = New(KindValidation, "invalid input")
	ErrInvalidCredentials    = New(KindInvalidCredentials, "invalid credentials")
	ErrTooManyAttempts       = New(KindTooManyAttempts, "too many login attempts")
	ErrInvalidToken          = New(KindInvalidToken, "invalid token")
	ErrTokenExpired          = New(KindTokenExpired, "token expired")
	ErrInvalidOrExpiredToken = New(KindInvalidOrExpiredToken, "invalid or expired token")
	ErrInvalidCode           = New(KindInvalidCode, "invalid two-factor code")
	ErrNotStarted            = New(KindNotStarted, "two-factor enrollment not started")
	ErrNotEnabled            = New(KindNotEnabled, "two-factor authentication is not enabled")
	ErrUnauthorized          = New(KindUnauthorized, "unauthorized")
	ErrForbidden             = New(KindForbidden, "forbidden")
	ErrNotFound              = New(KindNotFound, "not found")
	ErrConflict              = New(KindConflict, "conflict")
)

// LockedError reports an active login lockout and when it ends.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "login temporarily locked"
}

func (e LockedError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// KindOf extracts the kind of err, defaulting to KindInternal for
// anything that is not a core error.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var locked LockedError
	if errors.As(err, &locked) {
		return KindTooManyAttempts
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return KindInternal
}

// PublicMessage is the message safe to show to an end user.
func PublicMessage(err error) string {
	var locked LockedError
	if errors.As(err, &locked) {
		return locked.Error()
	}
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Message
	}
	return "internal server error"
}
