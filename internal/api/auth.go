package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/ory/herodot"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match key.
func APIKeyAuth(key string, writer *herodot.JSONWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writer.WriteError(w, r, herodot.ErrUnauthorized.WithReason("invalid or missing API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
