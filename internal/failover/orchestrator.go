// Package failover implements the emergency fallback orchestrator: the
// single decision point that turns interruption signals into replica
// launches, promotions and emergency recoveries.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentStore is the agent lookup the orchestrator needs
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*types.Agent, error)
}

// PoolStore serves the pool catalog ordered by price
type PoolStore interface {
	ListByPrice(ctx context.Context) ([]*types.SpotPool, error)
}

// ReplicaStore is the replica persistence the orchestrator drives
type ReplicaStore interface {
	Create(ctx context.Context, tx pgx.Tx, r *types.ReplicaInstance) error
	GetByID(ctx context.Context, id string) (*types.ReplicaInstance, error)
	ListActiveByAgent(ctx context.Context, agentID string) ([]*types.ReplicaInstance, error)
	GetReady(ctx context.Context, agentID string) (*types.ReplicaInstance, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status types.ReplicaStatus) error
}

// CommandStore enqueues work for agent workers
type CommandStore interface {
	Enqueue(ctx context.Context, cmd *types.Command) (bool, error)
}

// EventStore records the audit trail
type EventStore interface {
	Append(ctx context.Context, ev *types.InterruptionEvent) error
}

// LockStore serializes replica-state changes per agent
type LockStore interface {
	TryAcquire(ctx context.Context, lock *types.AgentLock) (bool, error)
	Release(ctx context.Context, agentID, holderID string) error
}

// Config holds orchestrator tuning
type Config struct {
	// LockTTL bounds how long a stuck holder can block an agent
	LockTTL time.Duration

	// MaxLaunchAttempts bounds capacity-driven reroutes before giving up
	// and recovering on demand
	MaxLaunchAttempts int
}

// DefaultConfig returns default orchestrator tuning
func DefaultConfig() Config {
	return Config{
		LockTTL:           30 * time.Second,
		MaxLaunchAttempts: 3,
	}
}

// Orchestrator owns replica placement and failover decisions. Every
// state-changing path runs under the owning agent's lock.
type Orchestrator struct {
	agents   AgentStore
	pools    PoolStore
	replicas ReplicaStore
	commands CommandStore
	events   EventStore
	locks    LockStore
	cfg      Config

	holderID string
}

// New creates an orchestrator
func New(agents AgentStore, pools PoolStore, replicas ReplicaStore, commands CommandStore, events EventStore, locks LockStore, cfg Config) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MaxLaunchAttempts <= 0 {
		cfg.MaxLaunchAttempts = 3
	}

	return &Orchestrator{
		agents:   agents,
		pools:    pools,
		replicas: replicas,
		commands: commands,
		events:   events,
		locks:    locks,
		cfg:      cfg,
		holderID: types.GenerateID(),
	}
}

func (o *Orchestrator) withAgentLock(ctx context.Context, agentID, purpose string, fn func(context.Context) error) error {
	lock := &types.AgentLock{
		AgentID:   agentID,
		HolderID:  o.holderID,
		Purpose:   purpose,
		LockedAt:  time.Now(),
		ExpiresAt: time.Now().Add(o.cfg.LockTTL),
	}

	acquired, err := o.locks.TryAcquire(ctx, lock)
	if err != nil {
		return fmt.Errorf("acquire lock for agent %s: %w", agentID, err)
	}
	if !acquired {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrLockHeld)
	}
	defer func() {
		if err := o.locks.Release(ctx, agentID, o.holderID); err != nil {
			log.Printf("Failed to release lock for agent %s: %v", agentID, err)
		}
	}()

	return fn(ctx)
}

// CreateStandbyReplica provisions a standby for an agent in response to
// an interruption signal. Idempotent: an agent with an active replica is
// left alone.
func (o *Orchestrator) CreateStandbyReplica(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64) error {
	return o.withAgentLock(ctx, agent.ID, "create-standby", func(ctx context.Context) error {
		replica, cmd, err := o.provisionReplica(ctx, agent, types.ReplicaTypeAutoRebalance, types.PriorityEmergency, nil)
		if err != nil {
			return err
		}
		if replica == nil {
			return nil
		}

		o.record(ctx, &types.InterruptionEvent{
			ID:             types.GenerateEventID(),
			AgentID:        agent.ID,
			PoolID:         sig.PoolID,
			SignalType:     sig.SignalType,
			DetectedAt:     sig.DetectedAt,
			RiskScore:      risk,
			ResponseAction: types.ActionCreateStandbyReplica,
			ReplicaID:      &replica.ID,
			CommandID:      &cmd.ID,
			Success:        true,
		})
		return nil
	})
}

// EnsureReplica provisions a replica outside the interruption path: the
// reconciler's manual-mode convergence and successor creation. Idempotent
// like CreateStandbyReplica.
func (o *Orchestrator) EnsureReplica(ctx context.Context, agent *types.Agent, replicaType types.ReplicaType, priority int) error {
	return o.withAgentLock(ctx, agent.ID, "ensure-replica", func(ctx context.Context) error {
		_, _, err := o.provisionReplica(ctx, agent, replicaType, priority, nil)
		return err
	})
}

// provisionReplica creates the replica row and its launch command.
// Returns (nil, nil, nil) when the agent already has an active replica.
// Caller holds the agent lock.
func (o *Orchestrator) provisionReplica(ctx context.Context, agent *types.Agent, replicaType types.ReplicaType, priority int, excludePools map[string]bool) (*types.ReplicaInstance, *types.Command, error) {
	active, err := o.replicas.ListActiveByAgent(ctx, agent.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list replicas for agent %s: %w", agent.ID, err)
	}
	if len(active) > 0 {
		log.Printf("Agent %s already has %d active replica(s), skipping provision", agent.ID, len(active))
		return nil, nil, nil
	}

	if excludePools == nil {
		excludePools = map[string]bool{}
	}
	excludePools[agent.PoolID()] = true

	pool, err := o.selectTargetPool(ctx, excludePools)
	if err != nil {
		return nil, nil, err
	}

	replica := &types.ReplicaInstance{
		ID:      types.GenerateReplicaID(),
		AgentID: agent.ID,
		Type:    replicaType,
		PoolID:  pool.ID,
		Status:  types.ReplicaStatusLaunching,
	}
	if err := o.replicas.Create(ctx, nil, replica); err != nil {
		return nil, nil, fmt.Errorf("create replica: %w", err)
	}

	cmd := &types.Command{
		ID:          types.GenerateCommandID(),
		AgentID:     agent.ID,
		CommandType: types.CommandTypeLaunchReplica,
		Priority:    priority,
		Status:      types.CommandStatusPending,
		Payload: types.CommandPayload{
			"replica_id":     replica.ID,
			"pool_id":        pool.ID,
			"instance_type":  pool.InstanceType,
			"region":         pool.Region,
			"az":             pool.AvailabilityZone,
			"attempt":        1,
			"excluded_pools": keys(excludePools),
		},
	}
	if _, err := o.commands.Enqueue(ctx, cmd); err != nil {
		return nil, nil, fmt.Errorf("enqueue launch command: %w", err)
	}

	log.Printf("Provisioned %s replica %s for agent %s in pool %s (%.4f/hr)",
		replicaType, replica.ID, agent.ID, pool.ID, pool.LatestPrice)
	return replica, cmd, nil
}

// selectTargetPool picks the cheapest pool not excluded. The owner's
// current pool is always excluded so a replica never shares its
// primary's failure domain.
func (o *Orchestrator) selectTargetPool(ctx context.Context, exclude map[string]bool) (*types.SpotPool, error) {
	pools, err := o.pools.ListByPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	for _, pool := range pools {
		if !exclude[pool.ID] {
			return pool, nil
		}
	}
	return nil, errors.New("no eligible target pool")
}

// FailoverNow handles a termination notice: promote the ready replica if
// one exists, otherwise recover by snapshot-and-relaunch. Returns the
// action taken.
func (o *Orchestrator) FailoverNow(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64) (types.ResponseAction, error) {
	var action types.ResponseAction

	err := o.withAgentLock(ctx, agent.ID, "failover", func(ctx context.Context) error {
		replica, err := o.replicas.GetReady(ctx, agent.ID)
		switch {
		case err == nil:
			action = types.ActionPromoteReplica
			return o.promote(ctx, agent, sig, risk, replica)
		case errors.Is(err, store.ErrNotFound):
			action = types.ActionEmergencyRecover
			return o.emergencyRecover(ctx, agent, sig, risk)
		default:
			return fmt.Errorf("find ready replica for agent %s: %w", agent.ID, err)
		}
	})
	return action, err
}

func (o *Orchestrator) promote(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64, replica *types.ReplicaInstance) error {
	cmd := &types.Command{
		ID:          types.GenerateCommandID(),
		AgentID:     agent.ID,
		CommandType: types.CommandTypePromoteReplica,
		Priority:    types.PriorityEmergency,
		Status:      types.CommandStatusPending,
		Payload: types.CommandPayload{
			"replica_id":      replica.ID,
			"source_instance": agent.InstanceID,
		},
	}
	if _, err := o.commands.Enqueue(ctx, cmd); err != nil {
		return fmt.Errorf("enqueue promote command: %w", err)
	}

	failoverMS := time.Since(sig.DetectedAt).Milliseconds()
	o.record(ctx, &types.InterruptionEvent{
		ID:             types.GenerateEventID(),
		AgentID:        agent.ID,
		PoolID:         sig.PoolID,
		SignalType:     sig.SignalType,
		DetectedAt:     sig.DetectedAt,
		RiskScore:      risk,
		ResponseAction: types.ActionPromoteReplica,
		ReplicaID:      &replica.ID,
		CommandID:      &cmd.ID,
		FailoverTimeMS: &failoverMS,
		Success:        true,
	})

	log.Printf("Promoting replica %s for agent %s, decision latency %dms", replica.ID, agent.ID, failoverMS)
	return nil
}

func (o *Orchestrator) emergencyRecover(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64) error {
	cmd := &types.Command{
		ID:          types.GenerateCommandID(),
		AgentID:     agent.ID,
		CommandType: types.CommandTypeEmergencyRecover,
		Priority:    types.PriorityEmergency,
		Status:      types.CommandStatusPending,
		Payload: types.CommandPayload{
			"source_instance": agent.InstanceID,
		},
	}
	if _, err := o.commands.Enqueue(ctx, cmd); err != nil {
		return fmt.Errorf("enqueue recover command: %w", err)
	}

	// With no warm replica, everything since the last heartbeat is at
	// risk on the doomed instance.
	var dataLoss float64
	if agent.LastHeartbeatAt != nil {
		dataLoss = time.Since(*agent.LastHeartbeatAt).Seconds()
	}
	o.record(ctx, &types.InterruptionEvent{
		ID:              types.GenerateEventID(),
		AgentID:         agent.ID,
		PoolID:          sig.PoolID,
		SignalType:      sig.SignalType,
		DetectedAt:      sig.DetectedAt,
		RiskScore:       risk,
		ResponseAction:  types.ActionEmergencyRecover,
		CommandID:       &cmd.ID,
		DataLossSeconds: &dataLoss,
		Success:         true,
	})

	log.Printf("No ready replica for agent %s, recovering via snapshot-and-relaunch (est. data loss %.1fs)",
		agent.ID, dataLoss)
	return nil
}

// TerminateReplica retires a replica: marks it terminated and asks the
// worker to release the instance. The reconciler is the only caller.
func (o *Orchestrator) TerminateReplica(ctx context.Context, agentID string, replica *types.ReplicaInstance, reason string) error {
	return o.withAgentLock(ctx, agentID, "terminate-replica", func(ctx context.Context) error {
		if err := o.replicas.UpdateStatus(ctx, nil, replica.ID, types.ReplicaStatusTerminated); err != nil {
			return fmt.Errorf("terminate replica %s: %w", replica.ID, err)
		}

		// No instance was ever launched, nothing to release.
		if replica.InstanceID == nil {
			return nil
		}

		cmd := &types.Command{
			ID:          types.GenerateCommandID(),
			AgentID:     agentID,
			CommandType: types.CommandTypeTerminateReplica,
			Priority:    types.PriorityScheduled,
			Status:      types.CommandStatusPending,
			Payload: types.CommandPayload{
				"replica_id":  replica.ID,
				"instance_id": *replica.InstanceID,
				"reason":      reason,
			},
		}
		if _, err := o.commands.Enqueue(ctx, cmd); err != nil {
			return fmt.Errorf("enqueue terminate command: %w", err)
		}

		log.Printf("Terminating replica %s for agent %s: %s", replica.ID, agentID, reason)
		return nil
	})
}

// HandleCapacityFailure reroutes a failed replica launch to the next
// cheapest pool, bounded by MaxLaunchAttempts, after which the agent
// falls back to emergency recovery.
func (o *Orchestrator) HandleCapacityFailure(ctx context.Context, cmd *types.Command) error {
	replicaID, _ := cmd.Payload["replica_id"].(string)
	poolID, _ := cmd.Payload["pool_id"].(string)
	attempt := payloadInt(cmd.Payload, "attempt", 1)

	agent, err := o.agents.GetByID(ctx, cmd.AgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", cmd.AgentID, err)
	}

	capErr := &CapacityError{PoolID: poolID}
	log.Printf("Launch attempt %d for agent %s failed: %v", attempt, agent.ID, capErr)

	return o.withAgentLock(ctx, agent.ID, "capacity-reroute", func(ctx context.Context) error {
		if replicaID != "" {
			if err := o.replicas.UpdateStatus(ctx, nil, replicaID, types.ReplicaStatusTerminated); err != nil {
				return fmt.Errorf("terminate failed replica %s: %w", replicaID, err)
			}
		}

		if attempt >= o.cfg.MaxLaunchAttempts {
			log.Printf("Exhausted %d launch attempts for agent %s, falling back to emergency recovery", attempt, agent.ID)
			sig := &types.InterruptionSignal{
				AgentID:    agent.ID,
				PoolID:     agent.PoolID(),
				SignalType: types.SignalRebalance,
				DetectedAt: time.Now(),
			}
			return o.emergencyRecover(ctx, agent, sig, 0)
		}

		exclude := map[string]bool{}
		for _, p := range payloadStrings(cmd.Payload, "excluded_pools") {
			exclude[p] = true
		}
		exclude[poolID] = true
		exclude[agent.PoolID()] = true

		pool, err := o.selectTargetPool(ctx, exclude)
		if err != nil {
			return err
		}

		replica := &types.ReplicaInstance{
			ID:      types.GenerateReplicaID(),
			AgentID: agent.ID,
			Type:    types.ReplicaTypeAutoRebalance,
			PoolID:  pool.ID,
			Status:  types.ReplicaStatusLaunching,
		}
		if err := o.replicas.Create(ctx, nil, replica); err != nil {
			return fmt.Errorf("create rerouted replica: %w", err)
		}

		retry := &types.Command{
			ID:          types.GenerateCommandID(),
			AgentID:     agent.ID,
			CommandType: types.CommandTypeLaunchReplica,
			Priority:    cmd.Priority,
			Status:      types.CommandStatusPending,
			Payload: types.CommandPayload{
				"replica_id":     replica.ID,
				"pool_id":        pool.ID,
				"instance_type":  pool.InstanceType,
				"region":         pool.Region,
				"az":             pool.AvailabilityZone,
				"attempt":        attempt + 1,
				"excluded_pools": keys(exclude),
			},
		}
		if _, err := o.commands.Enqueue(ctx, retry); err != nil {
			return fmt.Errorf("enqueue rerouted launch: %w", err)
		}

		log.Printf("Rerouted replica launch for agent %s to pool %s (attempt %d)", agent.ID, pool.ID, attempt+1)
		return nil
	})
}

// HandlePromotionFailure processes a failed promote command. Before the
// point of no return the replica is discarded and the failover re-runs;
// after it there is nothing safe to automate and the failure is recorded
// for an operator.
func (o *Orchestrator) HandlePromotionFailure(ctx context.Context, cmd *types.Command) error {
	replicaID, _ := cmd.Payload["replica_id"].(string)
	pastPONR, _ := cmd.Result["point_of_no_return"].(bool)
	reason, _ := cmd.Result["error"].(string)

	agent, err := o.agents.GetByID(ctx, cmd.AgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", cmd.AgentID, err)
	}

	failure := &PromotionFailure{
		CommandID:       cmd.ID,
		ReplicaID:       replicaID,
		PointOfNoReturn: pastPONR,
		Reason:          reason,
	}

	if pastPONR {
		// The old primary is already gone. Record for an operator; any
		// automated retry here could fight a half-promoted instance.
		log.Printf("FATAL promotion failure for agent %s: %v", agent.ID, failure)
		detail := failure.Error()
		o.record(ctx, &types.InterruptionEvent{
			ID:             types.GenerateEventID(),
			AgentID:        agent.ID,
			PoolID:         agent.PoolID(),
			SignalType:     types.SignalTermination,
			DetectedAt:     time.Now(),
			ResponseAction: types.ActionPromoteReplica,
			ReplicaID:      &replicaID,
			CommandID:      &cmd.ID,
			Success:        false,
			Detail:         &detail,
		})
		return failure
	}

	log.Printf("Promotion failure for agent %s before point of no return, re-running failover: %v", agent.ID, failure)

	if replicaID != "" {
		err := o.withAgentLock(ctx, agent.ID, "promotion-rollback", func(ctx context.Context) error {
			return o.replicas.UpdateStatus(ctx, nil, replicaID, types.ReplicaStatusTerminated)
		})
		if err != nil {
			return fmt.Errorf("discard failed replica %s: %w", replicaID, err)
		}
	}

	sig := &types.InterruptionSignal{
		AgentID:    agent.ID,
		PoolID:     agent.PoolID(),
		SignalType: types.SignalTermination,
		DetectedAt: time.Now(),
		InstanceID: agent.InstanceID,
	}
	_, err = o.FailoverNow(ctx, agent, sig, 0)
	return err
}

func (o *Orchestrator) record(ctx context.Context, ev *types.InterruptionEvent) {
	if err := o.events.Append(ctx, ev); err != nil {
		log.Printf("Failed to record %s event for agent %s: %v", ev.ResponseAction, ev.AgentID, err)
	}
}

func payloadInt(p types.CommandPayload, key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func payloadStrings(p types.CommandPayload, key string) []string {
	out := []string{}
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
