package api

import (
	"net/http"

	"chatmirror/pkg/httpx"
)

// HealthHandler returns a transport-agnostic health probe handler used by
// the benchmark binaries to compare net/http and fasthttp serving overhead.
func HealthHandler(version string) httpx.HandlerFunc {
	body := []byte("{\"status\":\"ok\",\"version\":\"" + version + "\"}")
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		switch r.Path {
		case "/health", "/healthz":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}
