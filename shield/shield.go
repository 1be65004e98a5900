// Package shield is the HTTP middleware stack: security headers, request
// IDs with per-request loggers, body limits, and per-IP rate limiting on
// the endpoints worth brute-forcing.
//
// Usage:
//
//	for _, mw := range shield.DefaultStack(64 * 1024) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey stores the per-request logger in the request context.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack, ordered:
// HeadToGet → SecurityHeaders → MaxFormBody → RequestID.
// maxFormBytes bounds form and JSON bodies; multipart uploads are bounded
// separately by their handler.
func DefaultStack(maxFormBytes int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxFormBody(maxFormBytes),
		RequestID,
	}
}

// HeadToGet rewrites HEAD to GET before routing, so handlers registered
// for GET answer HEAD with their real status. net/http drops the body on
// HEAD responses on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
