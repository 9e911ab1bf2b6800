package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yo-labs/yo/internal/api"
	"github.com/yo-labs/yo/internal/backend"
	"github.com/yo-labs/yo/internal/config"
	"github.com/yo-labs/yo/internal/core"
	"github.com/yo-labs/yo/internal/events"
	"github.com/yo-labs/yo/internal/metrics"
	"github.com/yo-labs/yo/internal/store"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Initialize database store for durable transcripts
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	bus := events.NewBus(cfg.DataDir)
	recorder := metrics.NewRecorder(cfg.DataDir)
	prober := backend.NewHTTPProber(cfg.OllamaHost, cfg.GeminiAPIKey)
	ollama := backend.NewOllamaClient(cfg.OllamaHost)

	var gemini *backend.GeminiClient
	if cfg.GeminiAPIKey != "" {
		gemini, err = backend.NewGeminiClient(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			log.Printf("Gemini backend disabled: %v", err)
		} else {
			defer gemini.Close()
		}
	}

	brain := core.NewOllamaBrain(cfg, prober, ollama, gemini, recorder)
	sessions := core.NewSessionStore(bus, dbStore)
	deliverer := core.NewDeliverer(brain, sessions, bus)

	apiHandler := api.NewAPIHandler(cfg, deliverer, sessions, prober, recorder, dbStore, brain)
	relay := api.NewRelayHandler(bus)
	router := api.NewRouter(apiHandler, relay)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // model calls can take time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
