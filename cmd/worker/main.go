package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atharva0608/final-ml-sub000/internal/cloud"
	"github.com/atharva0608/final-ml-sub000/internal/config"
	"github.com/atharva0608/final-ml-sub000/internal/failover"
	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/internal/reconciler"
	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// Initialize store
	log.Println("Connecting to database...")
	poolConfig := store.DefaultConfig(cfg.Database.URL)
	poolConfig.MaxConnections = int(cfg.Database.MaxConns)
	poolConfig.MinConnections = int(cfg.Database.MinConns)

	pool, err := store.NewPool(ctx, poolConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	st := store.New(pool)
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	log.Println("Database connection successful")

	// Instance control backend
	var control cloud.InstanceControl
	switch cfg.Cloud.Provider {
	case "aws":
		control, err = cloud.NewEC2Control(ctx, cloud.EC2Config{
			Region:           cfg.Cloud.Region,
			LaunchTemplateID: cfg.Cloud.LaunchTemplateID,
		})
		if err != nil {
			log.Fatalf("Failed to initialize EC2 control: %v", err)
		}
	default:
		log.Println("WARNING: Using fake instance control. Set cloud.provider to aws in production.")
		control = cloud.NewFakeControl()
	}

	// Failover orchestrator handles capacity and promotion failures
	orch := failover.New(st.Agents, st.Pools, st.Replicas, st.Commands, st.Events, st.AgentLocks, failover.Config{
		LockTTL:           cfg.Failover.LockTTL,
		MaxLaunchAttempts: cfg.Failover.MaxLaunchAttempts,
	})

	// Command executor
	exec := worker.New(worker.DefaultConfig(), st.Agents, st.Commands, st.Replicas, st.AgentLocks, control, orch)

	// Convergence loop
	reconcilerConfig := &reconciler.Config{
		CheckInterval:           cfg.Reconciler.CheckInterval,
		SyncStaleThreshold:      cfg.Reconciler.SyncStaleThreshold,
		IdleReadyThreshold:      cfg.Reconciler.IdleReadyThreshold,
		PromotedWindow:          cfg.Reconciler.PromotedWindow,
		StuckCommandThreshold:   cfg.Reconciler.StuckCommandThreshold,
		HeartbeatStaleThreshold: cfg.Reconciler.HeartbeatStaleThreshold,
	}
	rec := reconciler.New(reconcilerConfig, st.Agents, st.Replicas, st.Commands, st.AgentLocks, orch)

	// Gap-fill sweep keeps the clean pricing series continuous even when
	// reports stop arriving for a pool
	pipeline := pricing.New(st.Pricing, st.Pools, pricing.Config{
		DedupStrategy:      pricing.DedupStrategy(cfg.Pricing.DedupStrategy),
		CacheSize:          cfg.Pricing.CacheSize,
		CacheTTL:           cfg.Pricing.CacheTTL,
		ClockSkewTolerance: cfg.Pricing.ClockSkewTolerance,
	})

	runCtx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := exec.Start(runCtx); err != nil && err != context.Canceled {
			log.Printf("Executor error: %v", err)
		}
	}()

	go func() {
		if err := rec.Start(runCtx); err != nil && err != context.Canceled {
			log.Printf("Reconciler error: %v", err)
		}
	}()

	go runGapFill(runCtx, st, pipeline, cfg.Pricing.GapFillInterval, cfg.Pricing.GapFillLookback)

	// Backfill pool headline prices from the provider's own price feed
	// so cheapest-pool selection stays fresh for pools no agent reports on
	if source, ok := control.(cloud.PriceSource); ok {
		go runPriceBackfill(runCtx, st, source, cfg.Pricing.GapFillInterval)
	}

	log.Println("Executor, reconciler and gap-fill sweep started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	log.Println("Shutdown complete")
}

// runPriceBackfill refreshes pool headline prices from the provider feed
func runPriceBackfill(ctx context.Context, st *store.Store, source cloud.PriceSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pools, err := st.Pools.ListByPrice(ctx)
		if err != nil {
			log.Printf("Price backfill: list pools: %v", err)
			continue
		}

		for _, pool := range pools {
			prices, err := source.SpotPriceHistory(ctx, pool.InstanceType, pool.AvailabilityZone, time.Now().Add(-interval))
			if err != nil {
				log.Printf("Price backfill: pool %s: %v", pool.ID, err)
				continue
			}
			if len(prices) == 0 {
				continue
			}

			latest := prices[0]
			for _, p := range prices[1:] {
				if p.Timestamp.After(latest.Timestamp) {
					latest = p
				}
			}

			pool.LatestPrice = latest.Price
			if err := st.Pools.Upsert(ctx, pool); err != nil {
				log.Printf("Price backfill: pool %s: %v", pool.ID, err)
			}
		}
	}
}

// runGapFill periodically interpolates missing pricing buckets for every
// known pool over the trailing lookback window
func runGapFill(ctx context.Context, st *store.Store, pipeline *pricing.Pipeline, interval, lookback time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pools, err := st.Pools.ListByPrice(ctx)
		if err != nil {
			log.Printf("Gap-fill sweep: list pools: %v", err)
			continue
		}

		now := time.Now().UTC()
		window := pricing.Window{From: now.Add(-lookback), To: now}

		for _, pool := range pools {
			filled, err := pipeline.FillGaps(ctx, pool.ID, window)
			if err != nil {
				log.Printf("Gap-fill sweep: pool %s: %v", pool.ID, err)
				continue
			}
			if filled > 0 {
				log.Printf("Gap-fill sweep: pool %s: filled %d buckets", pool.ID, filled)
			}
		}
	}
}
