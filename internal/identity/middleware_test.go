package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRequest(t *testing.T, authHeader, wsProtocol, queryToken string) *http.Request {
	t.Helper()
	url := "/ws/workflow/a_1/c_1/u_1"
	if queryToken != "" {
		url += "?access_token=" + queryToken
	}
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if wsProtocol != "" {
		req.Header.Set("Sec-WebSocket-Protocol", wsProtocol)
	}
	return req
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	cfg := struct{}{}
	_ = cfg
	resolver := NewResolver(testAuthConfig())

	called := false
	handler := Middleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats/a_1/wf/start", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
