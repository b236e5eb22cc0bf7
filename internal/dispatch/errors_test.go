package dispatch

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBehaviorByKind(t *testing.T) {
	tests := []struct {
		kind     string
		retry    bool
		breaker  bool
		fallback bool
		status   int
	}{
		{KindTransport, true, true, true, http.StatusBadGateway},
		{KindTimeout, true, true, true, http.StatusGatewayTimeout},
		{KindRateLimited, true, true, true, http.StatusBadGateway},
		{KindServerError, true, true, true, http.StatusBadGateway},
		{KindBreakerOpen, false, false, true, http.StatusServiceUnavailable},
		{KindInvalidRequest, false, false, false, http.StatusBadRequest},
		{KindToolIncompat, false, true, true, http.StatusBadGateway},
		{KindNoChoices, false, true, false, http.StatusBadGateway},
		{KindConfig, false, false, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			e := NewError(tt.kind, "x", nil)
			assert.Equal(t, tt.retry, e.Retryable(), "retryable")
			assert.Equal(t, tt.breaker, e.BreakerCounted(), "breaker counted")
			assert.Equal(t, tt.fallback, e.FallbackEligible(), "fallback eligible")
			assert.Equal(t, tt.status, e.HTTPStatus(), "http status")
		})
	}
}

func TestErrorHTTPStatus_UpstreamPassthrough(t *testing.T) {
	e := NewError(KindInvalidRequest, "bad model", nil)
	e.Status = 422
	assert.Equal(t, 422, e.HTTPStatus(), "a received upstream status wins over the kind mapping")

	e = NewError(KindRateLimited, "slow down", nil)
	e.Status = 429
	assert.Equal(t, 429, e.HTTPStatus())
}

func TestErrorString(t *testing.T) {
	e := NewError(KindServerError, "boom", nil)
	assert.Equal(t, "server_error: boom", e.Error())

	e.Status = 503
	assert.Equal(t, "server_error (503): boom", e.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := NewError(KindTransport, "upstream unreachable", cause)
	assert.ErrorIs(t, e, cause)
}

func TestAsError(t *testing.T) {
	classified := NewError(KindTimeout, "slow", nil)
	assert.Same(t, classified, AsError(classified))

	wrapped := AsError(errors.New("unexpected EOF"))
	require.NotNil(t, wrapped)
	assert.Equal(t, KindTransport, wrapped.Kind, "unknown errors classify as transport")
	assert.Equal(t, "unexpected EOF", wrapped.Message)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindRateLimited, ClassifyStatus(429))
	assert.Equal(t, KindServerError, ClassifyStatus(500))
	assert.Equal(t, KindServerError, ClassifyStatus(503))
	assert.Equal(t, KindInvalidRequest, ClassifyStatus(400))
	assert.Equal(t, KindInvalidRequest, ClassifyStatus(404))
	assert.Equal(t, KindInvalidRequest, ClassifyStatus(422))
}
