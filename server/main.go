package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "serverconfig.json", "Path to configuration file")
	flag.Parse()

	// A missing .env is fine.
	_ = godotenv.Load()

	config := NewConfig(*configFile)
	if err := config.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	store, err := NewStore(config.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer func() {
		log.Info("Closing user store...")
		_ = store.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := NewTokenIssuer(config.JWTSecret, config.TTL())
	hub := NewHub(tokens, config, log)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewAPI(store, tokens, log).Register(mux)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})

	server := &http.Server{Addr: config.Addr(), Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		NewConsole(hub, store, config, os.Stdout).Run(ctx, os.Stdin)
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down server...")
	case <-consoleDone:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", server.Addr, err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
