package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSentinelMatchingSurvivesCopies(t *testing.T) {
	err := ErrInvalidCredentials.WithInternal(errors.New("db timeout"))

	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.NotErrorIs(t, err, ErrAccountLocked)

	wrapped := fmt.Errorf("login: %w", err)
	require.ErrorIs(t, wrapped, ErrInvalidCredentials)
}

func TestWithMessageKeepsCodeAndStatus(t *testing.T) {
	err := ErrNotFound.WithMessage("Session not found")

	require.Equal(t, ErrNotFound.Code, err.Code)
	require.Equal(t, http.StatusNotFound, err.StatusCode)
	require.Equal(t, "Session not found", err.Message)
	require.ErrorIs(t, err, ErrNotFound)

	// The sentinel itself must stay untouched.
	require.Equal(t, "Resource not found", ErrNotFound.Message)
}

func TestAccountLockedRoundsMinutesUp(t *testing.T) {
	err := AccountLocked(14*time.Minute + 30*time.Second)
	require.Contains(t, err.Message, "15 minute(s)")
	require.ErrorIs(t, err, ErrAccountLocked)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	appErr := FromError(ErrTokenExpired)
	require.ErrorIs(t, appErr, ErrTokenExpired)

	generic := FromError(errors.New("boom"))
	require.ErrorIs(t, generic, ErrInternalServer)
	require.EqualError(t, generic.Internal, "boom")
}

func TestWrapPreservesInternal(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, "failed to persist session")

	require.Equal(t, http.StatusInternalServerError, err.StatusCode)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}
