package types

import "time"

// SignalType classifies an interruption warning from the cloud provider
type SignalType string

const (
	// SignalRebalance is the early (~10-15 min) interruption warning
	SignalRebalance SignalType = "REBALANCE_RECOMMENDATION"
	// SignalTermination is the short (~2 min) near-certain notice
	SignalTermination SignalType = "TERMINATION_NOTICE"
)

// ResponseAction is the action the sentinel/orchestrator decided on
type ResponseAction string

const (
	ActionMonitorOnly          ResponseAction = "MONITOR_ONLY"
	ActionCreateStandbyReplica ResponseAction = "CREATE_STANDBY_REPLICA"
	ActionPromoteReplica       ResponseAction = "PROMOTE_REPLICA"
	ActionEmergencyRecover     ResponseAction = "EMERGENCY_RECOVER"
	ActionRateLimited          ResponseAction = "RATE_LIMITED"
)

// InterruptionEvent is the append-only audit record of one handled
// interruption occurrence: signal, decision, timing, outcome.
type InterruptionEvent struct {
	ID              string         `db:"id" json:"id"`
	AgentID         string         `db:"agent_id" json:"agent_id"`
	PoolID          string         `db:"pool_id" json:"pool_id"`
	SignalType      SignalType     `db:"signal_type" json:"signal_type"`
	DetectedAt      time.Time      `db:"detected_at" json:"detected_at"`
	RiskScore       float64        `db:"risk_score" json:"risk_score"`
	ResponseAction  ResponseAction `db:"response_action" json:"response_action"`
	ReplicaID       *string        `db:"replica_id" json:"replica_id"`
	CommandID       *string        `db:"command_id" json:"command_id"`
	FailoverTimeMS  *int64         `db:"failover_time_ms" json:"failover_time_ms"`
	DataLossSeconds *float64       `db:"data_loss_seconds" json:"data_loss_seconds"`
	Success         bool           `db:"success" json:"success"`
	Detail          *string        `db:"detail" json:"detail"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// InterruptionSignal is the immutable value object passed from signal
// intake down through scoring and dispatch. Components never share
// mutable state through it.
type InterruptionSignal struct {
	AgentID    string     `json:"agent_id"`
	PoolID     string     `json:"pool_id"`
	SignalType SignalType `json:"signal_type"`
	DetectedAt time.Time  `json:"detected_at"`
	InstanceID string     `json:"instance_id"`
}
