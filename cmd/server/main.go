package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vayu-load/vayu/internal/auth"
	"github.com/vayu-load/vayu/internal/config"
	"github.com/vayu-load/vayu/internal/controlplane/api"
	"github.com/vayu-load/vayu/internal/otel"
	"github.com/vayu-load/vayu/internal/registry"
	"github.com/vayu-load/vayu/internal/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	dbPath := flag.String("db", "vayu.db", "Path to the run/metrics/results database (':memory:' for an ephemeral store)")
	authMode := flag.String("auth-mode", "api_key", "Authentication mode: none, api_key, jwt")
	apiKeys := flag.String("api-keys", "", "Comma-separated API keys (for api_key mode)")
	jwtSecret := flag.String("jwt-secret", "", "JWT secret (for jwt mode)")
	insecure := flag.Bool("insecure", false, "Allow unauthenticated mode (only safe on loopback)")
	rateLimit := flag.Float64("rate-limit", 100, "API rate limit in requests/second (0 to disable)")
	rateBurst := flag.Int("rate-burst", 200, "API rate limit burst size")
	workers := flag.Int("workers", 0, "Default worker count per run (0 = auto, based on CPU count)")
	eventLoopMaxConcurrent := flag.Int("event-loop-max-concurrent", 1000, "Default max in-flight transfers per worker")
	dnsCacheTimeout := flag.Int("dns-cache-timeout", 300, "Default DNS cache TTL in seconds")
	statsInterval := flag.Int("stats-interval", 100, "Default live-stats sampling interval in milliseconds")
	tracingExporter := flag.String("tracing-exporter", "none", "Tracing exporter: none, stdout, otlp-grpc, otlp-http")
	metricsExporter := flag.String("metrics-exporter", "none", "Metrics exporter: none, stdout, otlp-grpc, otlp-http")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint for tracing/metrics exporters")
	devMode := flag.Bool("dev", false, "Development mode: binds to loopback, disables auth, disables rate limiting")
	flag.Parse()

	if *devMode {
		*addr = "127.0.0.1:8080"
		*insecure = true
		*rateLimit = 0
		fmt.Println("")
		fmt.Println("╔════════════════════════════════════════════════════════════╗")
		fmt.Println("║  DEVELOPMENT MODE - DO NOT USE IN PRODUCTION                ║")
		fmt.Println("║  Auth disabled, rate limiting disabled                      ║")
		fmt.Println("║  Bound to loopback only (127.0.0.1:8080)                    ║")
		fmt.Println("╚════════════════════════════════════════════════════════════╝")
		fmt.Println("")
	}

	if strings.EqualFold(*authMode, string(auth.AuthModeNone)) && !*insecure {
		fmt.Fprintln(os.Stderr, "Refusing to start with auth disabled without --insecure")
		os.Exit(1)
	}

	defaults := config.DefaultDefaults()
	if *workers > 0 {
		defaults.Workers = *workers
	}
	if *eventLoopMaxConcurrent > 0 {
		defaults.EventLoopMaxConcurrent = *eventLoopMaxConcurrent
	}
	if *dnsCacheTimeout > 0 {
		defaults.DNSCacheTimeoutS = *dnsCacheTimeout
	}
	if *statsInterval > 0 {
		defaults.StatsIntervalMs = *statsInterval
	}

	db, err := store.Open(*dbPath, defaults.AsMap())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	bgCtx := context.Background()
	tracer, err := otel.NewTracer(bgCtx, &otel.Config{
		Enabled:      *tracingExporter != "none",
		ServiceName:  "vayu",
		ExporterType: otel.ExporterType(*tracingExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: true,
		SampleRate:   1.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tracer: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)
	defer tracer.Shutdown(context.Background())

	metricsSink, err := otel.NewMetrics(bgCtx, &otel.MetricsConfig{
		Enabled:      *metricsExporter != "none",
		ServiceName:  "vayu",
		ExporterType: otel.ExporterType(*metricsExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating metrics: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalMetrics(metricsSink)
	defer metricsSink.Shutdown(context.Background())

	reg := registry.New()

	server, err := api.NewServer(*addr, db, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}
	server.SetTracer(tracer)

	server.SetRateLimiterConfig(&api.RateLimiterConfig{
		RequestsPerSecond: *rateLimit,
		BurstSize:         *rateBurst,
		Enabled:           *rateLimit > 0,
	})

	authConfig := &auth.Config{
		Mode:      auth.AuthMode(*authMode),
		SkipPaths: []string{"/healthz", "/readyz"},
	}
	if *insecure {
		authConfig.Mode = auth.AuthModeNone
	}
	if *apiKeys != "" {
		authConfig.APIKeys = strings.Split(*apiKeys, ",")
	}
	if *jwtSecret != "" {
		authConfig.JWTSecret = []byte(*jwtSecret)
	}
	server.SetAuthConfig(authConfig)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("vayu control plane listening on %s\n", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	reg.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	for reg.ActiveCount() > 0 {
		select {
		case <-waitCtx.Done():
			slog.Warn("shutdown deadline reached with runs still active", "active", reg.ActiveCount())
			fmt.Println("Server stopped")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Println("Server stopped")
}
