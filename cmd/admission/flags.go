package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  admission [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  region string region value")
	fmt.Fprintln(w, "  store_backend string counter store backend (redis, memory)")
	fmt.Fprintln(w, "  store_fallback string store fallback behavior (fail_open, fail_closed)")
	fmt.Fprintln(w, "  redis_addr string redis address")
	fmt.Fprintln(w, "  rules string rules file path")
	fmt.Fprintln(w, "  tiers string tiers file path")
	fmt.Fprintln(w, "  enable_http bool enable http")
	fmt.Fprintln(w, "  http_addr string http address")
	fmt.Fprintln(w, "  enable_grpc bool enable grpc")
	fmt.Fprintln(w, "  grpc_addr string grpc address")
	fmt.Fprintln(w, "  enable_auth bool enable auth")
	fmt.Fprintln(w, "  admin_token string admin token")
}
