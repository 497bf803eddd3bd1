package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructorsKeepCause(t *testing.T) {
	cause := errors.New("row missing")
	err := NotFound("job not found", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, StatusNotFound, StatusOf(err))
	require.Contains(t, err.Error(), "row missing")
}

func TestStatusOfWrapped(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", ValidationFailed("invalid request", nil,
		WithDetails(Detail{Field: "task_type", Message: "is required"})))

	require.Equal(t, StatusValidationFailed, StatusOf(err))
	require.Equal(t, StatusInternal, StatusOf(errors.New("plain")))

	var be BaseError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Details, 1)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusNotFound:         http.StatusNotFound,
		StatusConflict:         http.StatusConflict,
		StatusValidationFailed: http.StatusUnprocessableEntity,
		StatusBadRequest:       http.StatusBadRequest,
		StatusInternal:         http.StatusInternalServerError,
		CoreStatus("other"):    http.StatusInternalServerError,
	}
	for status, want := range cases {
		require.Equal(t, want, status.HTTPStatus(), status)
	}
}

func TestJSONHidesInternalCause(t *testing.T) {
	body := Internal("failed to lease jobs", errors.New("dial tcp: refused")).(BaseError).JSON()
	inner := body["error"].(map[string]any)
	require.Equal(t, "failed to lease jobs", inner["message"])

	body = Conflict("invalid transition", errors.New("job is running")).(BaseError).JSON()
	inner = body["error"].(map[string]any)
	require.Equal(t, "invalid transition: job is running", inner["message"])
}
