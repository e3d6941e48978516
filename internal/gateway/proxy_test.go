package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"keyguard/configs"
	"keyguard/internal/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProxy_ForwardsIdempotencyKey(t *testing.T) {
	var gotKey, gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(ForwardedKeyHeader)
		gotHost = r.Host
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	proxy, err := NewProxy(&configs.Config{BackendURL: backend.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.IdempotencyKeyCtx, "abc-123"))
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abc-123", gotKey)

	u, _ := url.Parse(backend.URL)
	assert.Equal(t, u.Host, gotHost)
}

func TestNewProxy_BackendDown(t *testing.T) {
	proxy, err := NewProxy(&configs.Config{BackendURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNewProxy_InvalidURL(t *testing.T) {
	_, err := NewProxy(&configs.Config{BackendURL: "::not a url"})
	assert.Error(t, err)

	_, err = NewProxy(&configs.Config{BackendURL: "localhost"})
	assert.Error(t, err)
}
