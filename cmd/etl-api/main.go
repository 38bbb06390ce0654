package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-analytics-etl/internal/analytics"
	"chat-analytics-etl/internal/api"
	"chat-analytics-etl/internal/api/handler"
	"chat-analytics-etl/internal/config"
	"chat-analytics-etl/internal/pipeline"
	"chat-analytics-etl/internal/source"
	"chat-analytics-etl/internal/store"
	"chat-analytics-etl/pkg/router"
)

// @title Chat Analytics ETL API
// @version 1.0
// @description Control plane for the chat and marketplace analytics pipeline
// @host localhost:8080
// @BasePath /
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.RunStorePath)
	if err != nil {
		log.Fatalf("❌ opening run store: %v", err)
	}
	defer db.Close()

	writer, pool, err := analytics.Connect(ctx, cfg.AnalyticsDSN)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer pool.Close()

	fetcher := source.New(cfg)
	orch := pipeline.NewOrchestrator(cfg, db, fetcher, writer)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("❌ starting orchestrator: %v", err)
	}

	r := router.New()
	api.RegisterRoutes(r, handler.New(orch, ctx))

	if err := r.Start(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("❌ server stopped: %v", err)
	}

	// The signal context already interrupted in-flight runs; they stay
	// in their recorded phase and resume on the next start.
	orch.Stop()
	log.Printf("🏁 server shut down")
}
