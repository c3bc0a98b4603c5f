package lockererr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindConflict, "duplicate command_id", nil)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(KindValidation, "bad payload", nil), http.StatusBadRequest},
		{New(KindConflict, "duplicate", nil), http.StatusConflict},
		{New(KindNotFound, "no such command", nil), http.StatusNotFound},
		{New(KindHardware, "timeout", nil), http.StatusServiceUnavailable},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindHardware, "crc mismatch", nil)))
	assert.True(t, Retryable(New(KindStaleLease, "stale", nil)))
	assert.False(t, Retryable(New(KindOwnershipMismatch, "mismatch", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "not_found", Code(New(KindNotFound, "x", nil)))
	assert.Equal(t, "internal", Code(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("ECONNRESET")
	err := New(KindHardware, "modbus timeout", cause)
	assert.ErrorIs(t, err, cause)
}
