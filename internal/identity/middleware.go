package identity

import (
	"net/http"
	"strings"
)

// ExtractBearer pulls a bearer token from the Authorization header, or,
// for WebSocket upgrade requests that cannot set arbitrary headers,
// from the Sec-WebSocket-Protocol subprotocol (access_token.<JWT>) or
// the access_token query parameter. Order matches spec §4.1/§6.3.
func ExtractBearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if token, ok := strings.CutPrefix(proto, "access_token."); ok {
			return token
		}
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	return ""
}

// Middleware resolves the bearer token on every request and attaches
// the identity to the request context. Requests without a valid token
// are rejected with 401 before reaching the wrapped handler; routes
// that must stay open (health, ready) should not be wrapped.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r)
			id, err := resolver.Validate(r.Context(), token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
