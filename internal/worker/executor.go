// Package worker executes queued commands against the cloud provider:
// replica launches, promotions, emergency recoveries and instance
// teardown. One executor process serves the whole fleet; per-agent locks
// keep concurrent executors from fighting over an agent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/atharva0608/final-ml-sub000/internal/cloud"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentStore is the agent access the executor needs
type AgentStore interface {
	List(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error)
	GetByID(ctx context.Context, id string) (*types.Agent, error)
	SwitchInstance(ctx context.Context, tx pgx.Tx, id, instanceID, instanceType, region, az string, mode types.AgentMode) error
}

// CommandStore is the queue access the executor needs
type CommandStore interface {
	DequeuePending(ctx context.Context, agentID string) ([]*types.Command, error)
	MarkExecuting(ctx context.Context, id string) error
	Report(ctx context.Context, id string, status types.CommandStatus, result types.CommandPayload, errorCode *string) error
}

// ReplicaStore is the replica access the executor needs
type ReplicaStore interface {
	GetByID(ctx context.Context, id string) (*types.ReplicaInstance, error)
	SetInstance(ctx context.Context, id, instanceID string) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status types.ReplicaStatus) error
}

// LockStore serializes command execution per agent
type LockStore interface {
	TryAcquire(ctx context.Context, lock *types.AgentLock) (bool, error)
	Release(ctx context.Context, agentID, holderID string) error
}

// FailureHandler reroutes capacity and promotion failures. Implemented
// by the failover orchestrator.
type FailureHandler interface {
	HandleCapacityFailure(ctx context.Context, cmd *types.Command) error
	HandlePromotionFailure(ctx context.Context, cmd *types.Command) error
}

// Config holds executor configuration
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	LockTTL      time.Duration
}

// DefaultConfig returns default executor configuration
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkerID:     fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		PollInterval: 5 * time.Second,
		LockTTL:      10 * time.Minute,
	}
}

// Executor polls the queue and drives the instance controller
type Executor struct {
	config   *Config
	agents   AgentStore
	commands CommandStore
	replicas ReplicaStore
	locks    LockStore
	control  cloud.InstanceControl
	failures FailureHandler

	cancel context.CancelFunc
}

// New creates an executor
func New(config *Config, agents AgentStore, commands CommandStore, replicas ReplicaStore, locks LockStore, control cloud.InstanceControl, failures FailureHandler) *Executor {
	if config == nil {
		config = DefaultConfig()
	}

	return &Executor{
		config:   config,
		agents:   agents,
		commands: commands,
		replicas: replicas,
		locks:    locks,
		control:  control,
		failures: failures,
	}
}

// Start starts the polling loop
func (e *Executor) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	log.Printf("Executor %s starting (poll=%s)", e.config.WorkerID, e.config.PollInterval)

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Executor %s shutting down", e.config.WorkerID)
			return ctx.Err()

		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Stop stops the executor gracefully
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Poll runs one dispatch pass: for each online agent, execute its
// highest-priority pending command
func (e *Executor) Poll(ctx context.Context) {
	agents, err := e.agents.List(ctx, types.AgentStatusOnline)
	if err != nil {
		log.Printf("Error listing agents: %v", err)
		return
	}

	for _, agent := range agents {
		pending, err := e.commands.DequeuePending(ctx, agent.ID)
		if err != nil {
			log.Printf("Error fetching commands for agent %s: %v", agent.ID, err)
			continue
		}
		if len(pending) == 0 {
			continue
		}

		// Commands for one agent run strictly in priority order, one per
		// pass, so a failed emergency command is never overtaken.
		e.processCommand(ctx, agent, pending[0])
	}
}

func (e *Executor) processCommand(ctx context.Context, agent *types.Agent, cmd *types.Command) {
	lock := &types.AgentLock{
		AgentID:   agent.ID,
		HolderID:  e.config.WorkerID,
		Purpose:   string(cmd.CommandType),
		LockedAt:  time.Now(),
		ExpiresAt: time.Now().Add(e.config.LockTTL),
	}
	acquired, err := e.locks.TryAcquire(ctx, lock)
	if err != nil {
		log.Printf("Failed to acquire lock for agent %s: %v", agent.ID, err)
		return
	}
	if !acquired {
		return
	}

	// Failure rerouting is deferred until after the release below: the
	// orchestrator's handlers take the same agent lock under their own
	// holder and would find it still held.
	followUp := e.execute(ctx, agent, cmd)

	if err := e.locks.Release(ctx, agent.ID, e.config.WorkerID); err != nil {
		log.Printf("Failed to release lock for agent %s: %v", agent.ID, err)
	}

	if followUp != nil {
		followUp(ctx)
	}
}

// execute runs one command under the agent lock and returns the failure
// follow-up to invoke once the lock is released, if any
func (e *Executor) execute(ctx context.Context, agent *types.Agent, cmd *types.Command) func(context.Context) {
	if err := e.commands.MarkExecuting(ctx, cmd.ID); err != nil {
		log.Printf("Failed to mark command %s executing: %v", cmd.ID, err)
		return nil
	}

	log.Printf("Executing command %s (type=%s, agent=%s, priority=%d)",
		cmd.ID, cmd.CommandType, agent.ID, cmd.Priority)

	switch cmd.CommandType {
	case types.CommandTypeLaunchReplica:
		return e.executeLaunch(ctx, agent, cmd)
	case types.CommandTypePromoteReplica:
		return e.executePromote(ctx, agent, cmd)
	case types.CommandTypeEmergencyRecover:
		e.executeRecover(ctx, agent, cmd)
	case types.CommandTypeTerminateReplica:
		e.executeTerminate(ctx, cmd)
	default:
		code := "UNKNOWN_COMMAND"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": fmt.Sprintf("unknown command type %s", cmd.CommandType)}, &code)
	}
	return nil
}

func (e *Executor) executeLaunch(ctx context.Context, agent *types.Agent, cmd *types.Command) func(context.Context) {
	replicaID, _ := cmd.Payload["replica_id"].(string)
	instanceType, _ := cmd.Payload["instance_type"].(string)
	region, _ := cmd.Payload["region"].(string)
	az, _ := cmd.Payload["az"].(string)

	result, err := e.control.LaunchReplica(ctx, cloud.LaunchRequest{
		AgentID:          agent.ID,
		ReplicaID:        replicaID,
		InstanceType:     instanceType,
		Region:           region,
		AvailabilityZone: az,
		SourceInstanceID: agent.InstanceID,
	})
	if err != nil {
		if errors.Is(err, cloud.ErrInsufficientCapacity) {
			code := "CAPACITY"
			e.report(ctx, cmd.ID, types.CommandStatusFailed,
				types.CommandPayload{"error": err.Error()}, &code)
			return func(ctx context.Context) {
				if err := e.failures.HandleCapacityFailure(ctx, cmd); err != nil {
					log.Printf("Failed to reroute capacity failure for command %s: %v", cmd.ID, err)
				}
			}
		}
		code := "LAUNCH_FAILED"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": err.Error()}, &code)
		return nil
	}

	if err := e.replicas.SetInstance(ctx, replicaID, result.InstanceID); err != nil {
		log.Printf("Failed to bind instance %s to replica %s: %v", result.InstanceID, replicaID, err)
	}
	if err := e.replicas.UpdateStatus(ctx, nil, replicaID, types.ReplicaStatusSyncing); err != nil {
		log.Printf("Failed to mark replica %s syncing: %v", replicaID, err)
	}

	e.report(ctx, cmd.ID, types.CommandStatusCompleted,
		types.CommandPayload{"instance_id": result.InstanceID}, nil)
	return nil
}

func (e *Executor) executePromote(ctx context.Context, agent *types.Agent, cmd *types.Command) func(context.Context) {
	replicaID, _ := cmd.Payload["replica_id"].(string)

	replica, err := e.replicas.GetByID(ctx, replicaID)
	if err != nil {
		code := "REPLICA_NOT_FOUND"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": err.Error()}, &code)
		return nil
	}
	if replica.InstanceID == nil {
		code := "REPLICA_NOT_READY"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": "replica has no instance"}, &code)
		return nil
	}

	result, err := e.control.Promote(ctx, cloud.PromoteRequest{
		AgentID:           agent.ID,
		ReplicaInstanceID: *replica.InstanceID,
		SourceInstanceID:  agent.InstanceID,
	})
	if err != nil {
		pastPONR := result != nil && result.PointOfNoReturn
		code := "PROMOTE_FAILED"
		failure := types.CommandPayload{
			"error":              err.Error(),
			"point_of_no_return": pastPONR,
		}
		e.report(ctx, cmd.ID, types.CommandStatusFailed, failure, &code)

		cmd.Result = failure
		return func(ctx context.Context) {
			if err := e.failures.HandlePromotionFailure(ctx, cmd); err != nil {
				log.Printf("Promotion failure handling for command %s: %v", cmd.ID, err)
			}
		}
	}

	if err := e.replicas.UpdateStatus(ctx, nil, replicaID, types.ReplicaStatusPromoted); err != nil {
		log.Printf("Failed to mark replica %s promoted: %v", replicaID, err)
	}

	// The replica's pool is the agent's new home.
	instanceType, region, az := splitPool(replica.PoolID)
	if err := e.agents.SwitchInstance(ctx, nil, agent.ID, *replica.InstanceID, instanceType, region, az, types.AgentModeSpot); err != nil {
		log.Printf("Failed to switch agent %s to promoted instance: %v", agent.ID, err)
	}

	e.report(ctx, cmd.ID, types.CommandStatusCompleted, types.CommandPayload{
		"instance_id":        *replica.InstanceID,
		"point_of_no_return": result.PointOfNoReturn,
	}, nil)
	return nil
}

func (e *Executor) executeRecover(ctx context.Context, agent *types.Agent, cmd *types.Command) {
	result, err := e.control.SnapshotAndRelaunch(ctx, cloud.RelaunchRequest{
		AgentID:          agent.ID,
		SourceInstanceID: agent.InstanceID,
		InstanceType:     agent.InstanceType,
		AvailabilityZone: agent.AvailabilityZone,
	})
	if err != nil {
		code := "RECOVER_FAILED"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": err.Error()}, &code)
		return
	}

	// Recovery lands on demand: it must never race spot capacity again.
	if err := e.agents.SwitchInstance(ctx, nil, agent.ID, result.InstanceID,
		agent.InstanceType, agent.Region, agent.AvailabilityZone, types.AgentModeOnDemand); err != nil {
		log.Printf("Failed to switch agent %s to recovered instance: %v", agent.ID, err)
	}

	e.report(ctx, cmd.ID, types.CommandStatusCompleted, types.CommandPayload{
		"instance_id": result.InstanceID,
		"snapshot_id": result.SnapshotID,
	}, nil)
}

func (e *Executor) executeTerminate(ctx context.Context, cmd *types.Command) {
	instanceID, _ := cmd.Payload["instance_id"].(string)
	if instanceID == "" {
		code := "MISSING_INSTANCE"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": "terminate command without instance_id"}, &code)
		return
	}

	if err := e.control.TerminateInstance(ctx, instanceID); err != nil {
		code := "TERMINATE_FAILED"
		e.report(ctx, cmd.ID, types.CommandStatusFailed,
			types.CommandPayload{"error": err.Error()}, &code)
		return
	}

	e.report(ctx, cmd.ID, types.CommandStatusCompleted, types.CommandPayload{
		"instance_id": instanceID,
	}, nil)
}

func (e *Executor) report(ctx context.Context, cmdID string, status types.CommandStatus, result types.CommandPayload, code *string) {
	if err := e.commands.Report(ctx, cmdID, status, result, code); err != nil {
		log.Printf("Failed to report command %s as %s: %v", cmdID, status, err)
	}
}

// splitPool unpacks "instanceType/region/az"
func splitPool(poolID string) (instanceType, region, az string) {
	parts := strings.SplitN(poolID, "/", 3)
	if len(parts) != 3 {
		return poolID, "", ""
	}
	return parts[0], parts[1], parts[2]
}
