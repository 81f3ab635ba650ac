package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := New(KindForbidden, "only the project coordinator may edit this project")

	require.ErrorIs(t, err, ErrForbidden)
	require.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("update project: %w", err)
	require.ErrorIs(t, wrapped, ErrForbidden)
	assert.Equal(t, KindForbidden, KindOf(wrapped))
}

func TestLockedErrorIsTooManyAttempts(t *testing.T) {
	until := time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC)
	err := fmt.Errorf("login: %w", LockedError{Until: until})

	require.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, KindTooManyAttempts, KindOf(err))

	var locked LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, until, locked.Until)
}

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:            http.StatusBadRequest,
		KindInvalidOrExpiredToken: http.StatusBadRequest,
		KindInvalidCode:           http.StatusBadRequest,
		KindInvalidCredentials:    http.StatusUnauthorized,
		KindTokenExpired:          http.StatusUnauthorized,
		KindUnauthorized:          http.StatusUnauthorized,
		KindForbidden:             http.StatusForbidden,
		KindNotFound:              http.StatusNotFound,
		KindConflict:              http.StatusConflict,
		KindTooManyAttempts:       http.StatusTooManyRequests,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Status(), kind.String())
	}
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := errors.New("connection refused")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal server error", PublicMessage(err))
	assert.Equal(t, "invalid credentials", PublicMessage(ErrInvalidCredentials))
}
