package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"chatmirror/pkg/api"
	"chatmirror/pkg/httpx"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for fasthttp health POC")
	ver := flag.String("version", "dev", "version string to return")
	flag.Parse()

	fmt.Printf("fasthttp health POC listening on %s\n", *addr)
	srv := &fasthttp.Server{
		Handler:            httpx.FastHTTPAdapter(api.HealthHandler(*ver)),
		Name:               "chatmirror-fasthttp-poc",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("fasthttp server exit: %v\n", err)
	}
}
