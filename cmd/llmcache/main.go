// Package main is the entry point for the llmcache proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/llmcache/internal/cache"
	"github.com/howard-nolan/llmcache/internal/config"
	"github.com/howard-nolan/llmcache/internal/server"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

func main() {
	// An optional first argument points at an alternate config file; the
	// default matches where operators keep it next to the binary.
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// The cache directory must exist before the journal can open inside
	// it. Failing here is fatal: a proxy that can't persist is running a
	// different contract than the operator asked for.
	if err := os.MkdirAll(cfg.Cache.Dir, 0755); err != nil {
		log.Fatalf("failed to create cache directory %s: %v", cfg.Cache.Dir, err)
	}

	// Build the cache engine: open the journal, replay it into memory,
	// start the background writer.
	engine, err := cache.NewEngine(cfg.Cache.Dir, cfg.Cache.Overwrite)
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}

	// One upstream client for the whole process. The http.Client's Timeout
	// is the upstream timeout from config — it bounds the entire call,
	// including reading the response body.
	client := upstream.NewClient(cfg.Upstream.URL, &http.Client{
		Timeout: cfg.Upstream.Timeout,
	})

	// Probe the backend so a typo'd URL shows up now, not on the first
	// request. Not fatal — the backend may still be loading its model.
	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Health(probeCtx); err != nil {
		log.Printf("warning: upstream %s not reachable yet: %v", cfg.Upstream.URL, err)
	} else {
		log.Printf("connected to upstream at %s", cfg.Upstream.URL)
	}
	cancel()

	srv := server.New(cfg, engine, client)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmcache listening on %s", httpServer.Addr)
	log.Printf("upstream:  %s", cfg.Upstream.URL)
	log.Printf("cache dir: %s", cfg.Cache.Dir)

	// Run the server in a goroutine so the main goroutine can wait on the
	// shutdown signal. A bind failure surfaces on errCh and exits non-zero.
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	// Wait for SIGINT/SIGTERM. signal.NotifyContext gives us a context
	// that's cancelled on the first signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		// ListenAndServe only returns on failure (or after Shutdown, which
		// hasn't happened on this path).
		engine.Shutdown()
		log.Fatalf("server error: %v", err)
	case <-ctx.Done():
	}

	log.Printf("shutting down...")

	// Stop accepting new requests and give in-flight handlers the grace
	// period to finish, then drain the journal and close the file.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("warning: server shutdown: %v", err)
	}

	engine.Shutdown()
	log.Printf("cache flushed, shutdown complete")
}
