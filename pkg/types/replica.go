package types

import "time"

// ReplicaType records why a replica exists
type ReplicaType string

const (
	ReplicaTypeManual               ReplicaType = "MANUAL"
	ReplicaTypeAutoRebalance        ReplicaType = "AUTO_REBALANCE"
	ReplicaTypeAutoTermination      ReplicaType = "AUTO_TERMINATION"
)

// ReplicaStatus represents the replica lifecycle state
type ReplicaStatus string

const (
	ReplicaStatusLaunching  ReplicaStatus = "LAUNCHING"
	ReplicaStatusSyncing    ReplicaStatus = "SYNCING"
	ReplicaStatusReady      ReplicaStatus = "READY"
	ReplicaStatusPromoted   ReplicaStatus = "PROMOTED"
	ReplicaStatusTerminated ReplicaStatus = "TERMINATED"
)

// Active reports whether the replica still occupies capacity
func (s ReplicaStatus) Active() bool {
	return s != ReplicaStatusTerminated
}

// ReplicaInstance is a standby instance kept warm for an agent.
// Its pool always differs from the owner's current pool at creation.
type ReplicaInstance struct {
	ID           string        `db:"id" json:"id"`
	AgentID      string        `db:"agent_id" json:"agent_id"`
	Type         ReplicaType   `db:"replica_type" json:"replica_type"`
	PoolID       string        `db:"pool_id" json:"pool_id"`
	InstanceID   *string       `db:"instance_id" json:"instance_id"`
	Status       ReplicaStatus `db:"status" json:"status"`
	SyncProgress float64       `db:"sync_progress" json:"sync_progress"`
	LaunchedAt   *time.Time    `db:"launched_at" json:"launched_at"`
	SyncingAt    *time.Time    `db:"syncing_at" json:"syncing_at"`
	ReadyAt      *time.Time    `db:"ready_at" json:"ready_at"`
	PromotedAt   *time.Time    `db:"promoted_at" json:"promoted_at"`
	TerminatedAt *time.Time    `db:"terminated_at" json:"terminated_at"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
