package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"chatmirror/pkg/api"
	"chatmirror/pkg/httpx"
)

func main() {
	addr := flag.String("addr", ":8082", "listen address for net/http health POC")
	ver := flag.String("version", "dev", "version string to return")
	flag.Parse()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpx.NetHTTPAdapter(api.HealthHandler(*ver)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	fmt.Printf("net/http health POC listening on %s\n", *addr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("net/http server exit: %v\n", err)
	}
}
