package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-trader/internal/api"
	"signal-trader/internal/audit"
	"signal-trader/internal/events"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/portfolio"
	"signal-trader/internal/risk"
	"signal-trader/internal/submit"
	syncjob "signal-trader/internal/sync"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/broker/alpaca"
	"signal-trader/pkg/config"
	"signal-trader/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting signal-trader on port %s (paper=%v)", cfg.Port, cfg.BrokerPaper)
	log.Printf("using database %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}

	// Load risk parameters from YAML and sync to DB; operators edit the DB
	// row at runtime, the file only seeds it.
	params, err := config.LoadPortfolioParams(cfg.PortfolioConfigPath)
	if err != nil {
		log.Printf("portfolio config load failed, using defaults: %v", err)
		params = config.DefaultPortfolioParams()
	}
	if err := config.SyncPortfolioParamsToDB(database.DB, params); err != nil {
		log.Fatalf("portfolio config sync failed: %v", err)
	}
	log.Printf("portfolio config: capital=%.0f threshold=%.2f max_positions=%d",
		params.CapitalBase, params.ConfidenceThreshold, params.MaxOpenPositions)

	// Broker gateway. The account credential takes priority; the shared
	// system credential is sync-only and must never place new orders.
	var gateway broker.Gateway
	switch {
	case cfg.BrokerAPIKey != "" && cfg.BrokerAPISecret != "":
		gateway = alpaca.New(alpaca.Config{
			BaseURL:   cfg.BrokerBaseURL,
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
		})
	case cfg.BrokerSystemAPIKey != "" && cfg.BrokerSystemAPISecret != "":
		log.Println("no account credential; running sync-only on the system credential")
		gateway = broker.ReadOnly(alpaca.New(alpaca.Config{
			BaseURL:   cfg.BrokerBaseURL,
			APIKey:    cfg.BrokerSystemAPIKey,
			APISecret: cfg.BrokerSystemAPISecret,
		}))
	default:
		log.Fatal("BROKER_API_KEY and BROKER_API_SECRET are required")
	}
	accountID := "primary"

	// Services
	recorder := audit.NewRecorder(database, bus)
	tracker := lifecycle.NewTracker(database, bus)
	reconciler := portfolio.NewReconciler(database, bus)
	submitter := submit.NewService(database, gateway, recorder, tracker, bus, cfg.BatchDelay)
	riskEngine := risk.NewEngine(database, gateway, submitter, bus, accountID)
	job := &syncjob.Job{
		DB:         database,
		Gateway:    gateway,
		Recorder:   recorder,
		Lifecycle:  tracker,
		Reconciler: reconciler,
		Bus:        bus,
		AccountID:  accountID,
	}

	// Seed the aggregates before serving reads.
	if _, err := reconciler.Recompute(ctx); err != nil {
		log.Printf("initial reconcile failed: %v", err)
	}

	// Schedulers
	go every(ctx, cfg.OrderSyncInterval, "order sync", func(ctx context.Context) error {
		if err := job.SyncOrders(ctx); err != nil {
			return err
		}
		return job.SyncPositions(ctx)
	})
	go every(ctx, cfg.RiskEvalInterval, "risk eval", func(ctx context.Context) error {
		if err := riskEngine.EvaluateAll(ctx); err != nil {
			return err
		}
		_, err := tracker.ExpireStale(ctx, time.Now())
		return err
	})
	go every(ctx, cfg.ReconcileInterval, "reconcile", func(ctx context.Context) error {
		_, err := reconciler.Recompute(ctx)
		return err
	})
	go daily(ctx, cfg.SnapshotHourLocal, "snapshot", func(ctx context.Context) error {
		if err := reconciler.Snapshot(ctx); err != nil {
			return err
		}
		return recorder.Archive(ctx,
			time.Duration(cfg.AuditRetentionDays)*24*time.Hour,
			time.Duration(cfg.ArchiveRetentionDays)*24*time.Hour)
	})

	// API
	server := api.NewServer(bus, database, gateway, submitter, tracker,
		riskEngine, reconciler, job, accountID, cfg.SchedulerToken)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

// every runs fn on a fixed interval until ctx ends. Job errors are logged,
// never fatal; the next tick retries.
func every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Printf("%s: %v", name, err)
			}
		}
	}
}

// daily runs fn once per day at the given local hour.
func daily(ctx context.Context, hour int, name string, fn func(context.Context) error) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := fn(ctx); err != nil {
				log.Printf("%s: %v", name, err)
			}
		}
	}
}
