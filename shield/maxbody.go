package shield

import (
	"net/http"
	"strings"
)

// MaxFormBody returns middleware that limits the request body size for
// form-encoded and JSON requests. Multipart uploads pass through — the
// upload handler bounds those itself.
func MaxFormBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if strings.HasPrefix(ct, "application/x-www-form-urlencoded") ||
				strings.HasPrefix(ct, "application/json") {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
