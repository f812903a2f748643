package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"chatmirror/pkg/api"
	"chatmirror/pkg/banner"
	"chatmirror/pkg/telemetry"
)

// PrintBanner prints the startup banner and readiness summary.
func (a *App) PrintBanner() {
	banner.PrintWithEff(a.eff, a.version)
}

// setupHTTPHandlers mounts the admin API plus docs and metrics on the mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	apiSrv := &api.Server{
		Store:        a.store,
		Engine:       a.engine,
		Session:      a.session,
		Grants:       a.eff.Config.Authorization,
		Version:      a.version,
		QueueLen:     a.queue.Len,
		QueueDropped: a.queue.Dropped,
	}
	mux.Handle("/", apiSrv.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", promhttp.Handler())
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP() <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	// wrap with auth middleware, then telemetry middleware
	wrapped := api.AuthenticateRequestMiddleware(a.eff.Config.Security)(mux)
	wrapped = telemetry.Middleware(wrapped)

	a.srv = &http.Server{Addr: a.eff.Addr, Handler: wrapped}

	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}

// stopHTTP drains in-flight requests with a short deadline.
func (a *App) stopHTTP() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}
