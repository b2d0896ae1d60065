// Package cloud abstracts instance lifecycle operations for replica
// management: launching standbys, promoting them, and snapshot-based
// recovery. The core never talks to a provider SDK directly.
package cloud

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientCapacity reports that the target pool could not satisfy
// a spot launch. The orchestrator reroutes to another pool on it.
var ErrInsufficientCapacity = errors.New("insufficient spot capacity")

// LaunchRequest describes a standby replica launch
type LaunchRequest struct {
	AgentID          string
	ReplicaID        string
	InstanceType     string
	Region           string
	AvailabilityZone string
	SourceInstanceID string
}

// LaunchResult is the outcome of a replica launch
type LaunchResult struct {
	InstanceID string
	LaunchedAt time.Time
}

// PromoteRequest describes a replica promotion
type PromoteRequest struct {
	AgentID           string
	ReplicaInstanceID string
	SourceInstanceID  string
}

// PromoteResult is the outcome of a promotion. PointOfNoReturn reports
// whether the old primary was already released when the result was
// produced; on failure it decides whether a rollback is possible.
type PromoteResult struct {
	PointOfNoReturn bool
	PromotedAt      time.Time
}

// RelaunchRequest describes a snapshot-and-relaunch recovery
type RelaunchRequest struct {
	AgentID          string
	SourceInstanceID string
	InstanceType     string
	AvailabilityZone string
}

// RelaunchResult is the outcome of a recovery
type RelaunchResult struct {
	InstanceID  string
	SnapshotID  string
	RecoveredAt time.Time
}

// InstanceControl is the provider contract the command executor drives.
// All operations block until the provider accepts the request; actual
// instance readiness is observed via worker heartbeats.
type InstanceControl interface {
	LaunchReplica(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
	Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error)
	SnapshotAndRelaunch(ctx context.Context, req RelaunchRequest) (*RelaunchResult, error)
	TerminateInstance(ctx context.Context, instanceID string) error
}
