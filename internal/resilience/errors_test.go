package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped transient", fmt.Errorf("call failed: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"connection reset errno", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"connection refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset fragment", errors.New("read tcp 10.0.0.1:443: connection reset by peer"), true},
		{"dns fragment", errors.New("lookup api.example.com: no such host"), true},
		{"io timeout fragment", errors.New("net/http: request canceled (Client.Timeout exceeded): i/o timeout"), true},
		{"plain error", errors.New("invalid request payload"), false},
		{"not found", errors.New("item not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("upstream failed")
	te := NewTransientError(inner, 502)

	require.ErrorIs(t, te, inner)
	assert.Equal(t, 502, te.StatusCode)
	assert.Equal(t, "upstream failed", te.Error())
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}

	for _, code := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
