// Package main provides the vayu-mockserver CLI binary: a standalone HTTP
// target for exercising the load engine locally, with endpoints that
// simulate latency, flakiness, rate limiting and backpressure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vayu-load/vayu/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":3000", "HTTP server address")
	flag.Parse()

	config := mockserver.DefaultConfig()
	config.Addr = *addr

	server := mockserver.New(config)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock target listening on %s\n", server.Addr())
	fmt.Printf("Base URL: %s\n", server.BaseURL())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	fmt.Println("Mock server stopped")
}
