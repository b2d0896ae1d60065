package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/atharva0608/final-ml-sub000/internal/api"
	"github.com/atharva0608/final-ml-sub000/internal/config"
	"github.com/atharva0608/final-ml-sub000/internal/failover"
	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/internal/sentinel"
	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
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

	// Run migrations
	log.Println("Running database migrations...")
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed the pool catalog from configuration
	for _, p := range cfg.Pools {
		pool := &types.SpotPool{
			ID:               types.PoolKey(p.InstanceType, p.Region, p.AvailabilityZone),
			InstanceType:     p.InstanceType,
			Region:           p.Region,
			AvailabilityZone: p.AvailabilityZone,
		}
		if err := st.Pools.EnsureExists(ctx, pool); err != nil {
			log.Fatalf("Failed to seed pool %s: %v", pool.ID, err)
		}
	}
	log.Printf("Seeded %d spot pools", len(cfg.Pools))

	// Pricing data-quality pipeline
	pipeline := pricing.New(st.Pricing, st.Pools, pricing.Config{
		DedupStrategy:      pricing.DedupStrategy(cfg.Pricing.DedupStrategy),
		CacheSize:          cfg.Pricing.CacheSize,
		CacheTTL:           cfg.Pricing.CacheTTL,
		ClockSkewTolerance: cfg.Pricing.ClockSkewTolerance,
	})

	// Failover orchestrator
	orch := failover.New(st.Agents, st.Pools, st.Replicas, st.Commands, st.Events, st.AgentLocks, failover.Config{
		LockTTL:           cfg.Failover.LockTTL,
		MaxLaunchAttempts: cfg.Failover.MaxLaunchAttempts,
	})

	// Interruption sentinel
	snt := sentinel.New(st.Agents, st.Events, pipeline, orch, sentinel.RuleScorer{}, sentinel.Config{
		DedupWindow:   cfg.Sentinel.DedupWindow,
		RiskThreshold: cfg.Sentinel.RiskThreshold,
		AgentRate:     rate.Limit(cfg.Sentinel.AgentRatePerHour / 3600),
		AgentBurst:    cfg.Sentinel.AgentBurst,
		PoolRate:      rate.Limit(cfg.Sentinel.PoolRatePerHour / 3600),
		PoolBurst:     cfg.Sentinel.PoolBurst,
		HistoryWindow: cfg.Sentinel.HistoryWindow,
	})

	// Create API server
	serverConfig := api.DefaultServerConfig()
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout

	server := api.NewServer(serverConfig, st, pipeline, snt)

	// Start server in a goroutine
	go func() {
		log.Printf("Starting API server on %s", cfg.Server.Address)
		if err := server.Start(cfg.Server.Address); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
