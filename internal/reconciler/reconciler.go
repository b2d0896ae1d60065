// Package reconciler enforces the replica invariants continuously: every
// manual-mode agent keeps exactly one active replica, stale replicas are
// reaped, and idle emergency replicas are retired. It is the only
// component that terminates replicas.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentStore is the agent access the reconciler needs
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*types.Agent, error)
	ListManualMode(ctx context.Context) ([]*types.Agent, error)
	MarkOffline(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// ReplicaStore is the replica read access the reconciler needs. All
// writes go through the orchestrator.
type ReplicaStore interface {
	ListActiveByAgent(ctx context.Context, agentID string) ([]*types.ReplicaInstance, error)
	ListStuckSyncing(ctx context.Context, threshold time.Duration) ([]*types.ReplicaInstance, error)
	ListIdleReady(ctx context.Context, threshold time.Duration) ([]*types.ReplicaInstance, error)
	ListPromotedSince(ctx context.Context, window time.Duration) ([]*types.ReplicaInstance, error)
}

// CommandStore is the command maintenance access the reconciler needs
type CommandStore interface {
	ListStuckExecuting(ctx context.Context, threshold time.Duration) ([]*types.Command, error)
	Report(ctx context.Context, id string, status types.CommandStatus, result types.CommandPayload, errorCode *string) error
}

// LockStore cleans up expired agent locks
type LockStore interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Orchestrator is the replica lifecycle authority the reconciler drives
type Orchestrator interface {
	EnsureReplica(ctx context.Context, agent *types.Agent, replicaType types.ReplicaType, priority int) error
	TerminateReplica(ctx context.Context, agentID string, replica *types.ReplicaInstance, reason string) error
}

// Config holds reconciler configuration
type Config struct {
	CheckInterval time.Duration

	// SyncStaleThreshold reaps replicas stuck in SYNCING
	SyncStaleThreshold time.Duration

	// IdleReadyThreshold retires emergency replicas nobody promoted
	IdleReadyThreshold time.Duration

	// PromotedWindow is how far back to look for promotions needing a
	// manual-mode successor
	PromotedWindow time.Duration

	// StuckCommandThreshold fails commands executing too long
	StuckCommandThreshold time.Duration

	// HeartbeatStaleThreshold marks agents offline
	HeartbeatStaleThreshold time.Duration
}

// DefaultConfig returns default reconciler configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:           10 * time.Second,
		SyncStaleThreshold:      15 * time.Minute,
		IdleReadyThreshold:      30 * time.Minute,
		PromotedWindow:          5 * time.Minute,
		StuckCommandThreshold:   30 * time.Minute,
		HeartbeatStaleThreshold: 2 * time.Minute,
	}
}

// Reconciler runs the periodic convergence loop
type Reconciler struct {
	config   *Config
	agents   AgentStore
	replicas ReplicaStore
	commands CommandStore
	locks    LockStore
	orch     Orchestrator

	cancel context.CancelFunc
}

// New creates a reconciler
func New(config *Config, agents AgentStore, replicas ReplicaStore, commands CommandStore, locks LockStore, orch Orchestrator) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}

	return &Reconciler{
		config:   config,
		agents:   agents,
		replicas: replicas,
		commands: commands,
		locks:    locks,
		orch:     orch,
	}
}

// Start runs the reconciliation loop until the context is cancelled
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	log.Printf("Reconciler starting (check_interval=%s)", r.config.CheckInterval)

	// Run immediately on start
	r.Run(ctx)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Reconciler shutting down")
			return ctx.Err()

		case <-ticker.C:
			r.Run(ctx)
		}
	}
}

// Stop stops the reconciler gracefully
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Run performs one reconciliation pass. Each task is isolated so one
// failure never starves the others.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.convergeManualAgents(ctx); err != nil {
		log.Printf("Error converging manual-mode agents: %v", err)
	}

	if err := r.createSuccessors(ctx); err != nil {
		log.Printf("Error creating successors for promoted replicas: %v", err)
	}

	if err := r.reapStaleSyncing(ctx); err != nil {
		log.Printf("Error reaping stale syncing replicas: %v", err)
	}

	if err := r.retireIdleEmergency(ctx); err != nil {
		log.Printf("Error retiring idle emergency replicas: %v", err)
	}

	if err := r.failStuckCommands(ctx); err != nil {
		log.Printf("Error failing stuck commands: %v", err)
	}

	if n, err := r.locks.CleanupExpired(ctx); err != nil {
		log.Printf("Error cleaning up expired locks: %v", err)
	} else if n > 0 {
		log.Printf("Cleaned up %d expired agent locks", n)
	}

	if n, err := r.agents.MarkOffline(ctx, r.config.HeartbeatStaleThreshold); err != nil {
		log.Printf("Error marking stale agents offline: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d agents offline on stale heartbeats", n)
	}
}

// convergeManualAgents enforces exactly one active replica per
// manual-mode agent
func (r *Reconciler) convergeManualAgents(ctx context.Context) error {
	agents, err := r.agents.ListManualMode(ctx)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		active, err := r.replicas.ListActiveByAgent(ctx, agent.ID)
		if err != nil {
			log.Printf("Failed to list replicas for agent %s: %v", agent.ID, err)
			continue
		}

		switch {
		case len(active) == 0:
			if err := r.orch.EnsureReplica(ctx, agent, types.ReplicaTypeManual, types.PriorityAutomated); err != nil {
				log.Printf("Failed to create manual replica for agent %s: %v", agent.ID, err)
			}

		case len(active) > 1:
			// Newest first; everything after the head is surplus.
			for _, surplus := range active[1:] {
				if err := r.orch.TerminateReplica(ctx, agent.ID, surplus, "surplus manual replica"); err != nil {
					log.Printf("Failed to terminate surplus replica %s: %v", surplus.ID, err)
				}
			}
		}
	}

	return nil
}

// createSuccessors provisions a fresh standby for manual-mode agents
// whose replica was just promoted
func (r *Reconciler) createSuccessors(ctx context.Context) error {
	promoted, err := r.replicas.ListPromotedSince(ctx, r.config.PromotedWindow)
	if err != nil {
		return err
	}

	for _, replica := range promoted {
		agent, err := r.agents.GetByID(ctx, replica.AgentID)
		if err != nil {
			log.Printf("Failed to load agent %s for promoted replica %s: %v", replica.AgentID, replica.ID, err)
			continue
		}
		if !agent.ManualReplicaEnabled {
			continue
		}

		// EnsureReplica is a no-op if a successor already exists.
		if err := r.orch.EnsureReplica(ctx, agent, types.ReplicaTypeManual, types.PriorityAutomated); err != nil {
			log.Printf("Failed to create successor for agent %s: %v", agent.ID, err)
		}
	}

	return nil
}

// reapStaleSyncing terminates replicas stuck syncing and provisions a
// replacement
func (r *Reconciler) reapStaleSyncing(ctx context.Context) error {
	stuck, err := r.replicas.ListStuckSyncing(ctx, r.config.SyncStaleThreshold)
	if err != nil {
		return err
	}

	for _, replica := range stuck {
		stale := &StaleReplicaError{ReplicaID: replica.ID, AgentID: replica.AgentID, Status: replica.Status}
		log.Printf("Reaping stale replica: %v", stale)

		if err := r.orch.TerminateReplica(ctx, replica.AgentID, replica, "sync stalled"); err != nil {
			log.Printf("Failed to reap replica %s: %v", replica.ID, err)
			continue
		}

		agent, err := r.agents.GetByID(ctx, replica.AgentID)
		if err != nil {
			log.Printf("Failed to load agent %s for replacement: %v", replica.AgentID, err)
			continue
		}
		if err := r.orch.EnsureReplica(ctx, agent, replica.Type, types.PriorityAutomated); err != nil {
			log.Printf("Failed to replace reaped replica for agent %s: %v", agent.ID, err)
		}
	}

	return nil
}

// retireIdleEmergency terminates interruption-driven replicas that sat
// ready past retention without being promoted
func (r *Reconciler) retireIdleEmergency(ctx context.Context) error {
	idle, err := r.replicas.ListIdleReady(ctx, r.config.IdleReadyThreshold)
	if err != nil {
		return err
	}

	for _, replica := range idle {
		if err := r.orch.TerminateReplica(ctx, replica.AgentID, replica, "idle past retention"); err != nil {
			log.Printf("Failed to retire idle replica %s: %v", replica.ID, err)
		}
	}

	return nil
}

// failStuckCommands fails commands executing past the threshold so their
// agents are not wedged forever
func (r *Reconciler) failStuckCommands(ctx context.Context) error {
	stuck, err := r.commands.ListStuckExecuting(ctx, r.config.StuckCommandThreshold)
	if err != nil {
		return err
	}

	for _, cmd := range stuck {
		log.Printf("Detected stuck command %s (type=%s, agent=%s)", cmd.ID, cmd.CommandType, cmd.AgentID)
		code := "TIMEOUT"
		result := types.CommandPayload{"error": "execution exceeded threshold"}
		if err := r.commands.Report(ctx, cmd.ID, types.CommandStatusFailed, result, &code); err != nil {
			log.Printf("Failed to fail stuck command %s: %v", cmd.ID, err)
		}
	}

	return nil
}
