package httpx

import (
	"context"
	"io"
	"net/http"
)

// Request is the unified request shape handlers see regardless of the
// transport serving them. Handlers should use Ctx for cancellation.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
	// Raw holds the transport-specific request object (*http.Request or
	// *fasthttp.RequestCtx) as an escape hatch.
	Raw any
}

// ResponseWriter is the subset of http.ResponseWriter semantics adapters
// must provide.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the transport-agnostic handler signature.
type HandlerFunc func(w ResponseWriter, r *Request)
