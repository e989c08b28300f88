// Package shield provides the HTTP middleware the bridge mounts in front
// of its ingest server: loopback-only enforcement, body size limits, and
// structured request logging.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.LoopbackOnly)
//	r.Use(shield.MaxJSONBody(4 << 20))
//	r.Use(shield.RequestLog(logger))
package shield

import (
	"net"
	"net/http"
)

// LoopbackOnly rejects connections whose remote address is not a loopback
// interface. The bridge binds 127.0.0.1, but a stray proxy or unusual bind
// configuration must still never expose telemetry off-host.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "loopback only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MaxJSONBody returns middleware that caps request body size for JSON
// POST bodies. Import payloads and snapshot posts are bounded upstream by
// per-field limits; this is the transport-level ceiling.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
