package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/payments"),
		attribute.String("stripe_signature", "t=1,v1=abc"),
		attribute.String("api_key", "k"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("bad webhook secret")), "redacted error")
	assert.EqualError(t, SafeError(errors.New("connection refused")), "connection refused")
}

func TestWrapHTTPClientPropagatesTraceContext(t *testing.T) {
	_, err := NewProvider(nil, Config{ServiceName: "railtab-test"}, zap.NewNop())
	require.NoError(t, err)

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := WrapHTTPClient(nil, "test")
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, traceparent)
}
