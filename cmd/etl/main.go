package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chat-analytics-etl/internal/analytics"
	"chat-analytics-etl/internal/config"
	"chat-analytics-etl/internal/model"
	"chat-analytics-etl/internal/pipeline"
	"chat-analytics-etl/internal/source"
	"chat-analytics-etl/internal/store"
)

// One-shot runner: executes a single ETL run to completion and exits
// non-zero unless the run ends in the completed phase.
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

	runID, err := orch.StartRun(ctx)
	if err != nil {
		log.Fatalf("❌ starting run: %v", err)
	}

	orch.Stop()

	run, err := db.GetRun(runID)
	if err != nil {
		log.Fatalf("❌ reading final run state: %v", err)
	}
	if run.Phase != model.PhaseCompleted {
		log.Printf("❌ run %s ended in phase %s: %s", runID, run.Phase, run.LastError)
		os.Exit(1)
	}
	log.Printf("✅ run %s completed", runID)
}
