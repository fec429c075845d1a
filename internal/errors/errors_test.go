package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatus(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
	}{
		{ValidationError("bad input"), http.StatusBadRequest},
		{UnauthorizedError("bad credential"), http.StatusUnauthorized},
		{ForbiddenError("token expired"), http.StatusForbidden},
		{NotFoundError("missing"), http.StatusNotFound},
		{TooManyRequestsError("limit"), http.StatusTooManyRequests},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{ExternalError("auth service down", nil), http.StatusBadGateway},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), "type %s", tc.err.Type)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := ExternalError("wrapped", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root cause")
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("structured error passes through", func(t *testing.T) {
		original := ForbiddenError("nope")
		got := AsStructuredError(fmt.Errorf("outer: %w", original))
		require.NotNil(t, got)
		assert.Equal(t, TypeForbidden, got.Type)
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		got := AsStructuredError(errors.New("plain"))
		require.NotNil(t, got)
		assert.Equal(t, TypeInternal, got.Type)
	})
}
