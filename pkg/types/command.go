package types

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// CommandType represents the action a worker is asked to perform
type CommandType string

const (
	CommandTypeLaunchReplica    CommandType = "LAUNCH_REPLICA"
	CommandTypePromoteReplica   CommandType = "PROMOTE_REPLICA"
	CommandTypeEmergencyRecover CommandType = "EMERGENCY_RECOVER"
	CommandTypeTerminateReplica CommandType = "TERMINATE_REPLICA"
)

// CommandStatus represents the current state of a command.
// Transitions are monotonic: PENDING -> EXECUTING -> {COMPLETED|FAILED}.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "PENDING"
	CommandStatusExecuting CommandStatus = "EXECUTING"
	CommandStatusCompleted CommandStatus = "COMPLETED"
	CommandStatusFailed    CommandStatus = "FAILED"
)

// Fixed priority bands. Ties within a band break by creation order.
const (
	PriorityEmergency      = 100 // interruption response
	PriorityManualOverride = 75  // explicit user action
	PriorityAutomated      = 50  // recommendation-driven
	PriorityScheduled      = 10  // background maintenance
)

// CommandPayload is arbitrary JSON stored with a command
type CommandPayload map[string]interface{}

// Value implements driver.Valuer for database serialization
func (p CommandPayload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database deserialization
func (p *CommandPayload) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, p)
}

// Command is a unit of work dispatched to an agent's worker via polling
type Command struct {
	ID          string         `db:"id" json:"id"`
	AgentID     string         `db:"agent_id" json:"agent_id"`
	CommandType CommandType    `db:"command_type" json:"command_type"`
	Priority    int            `db:"priority" json:"priority"`
	Status      CommandStatus  `db:"status" json:"status"`
	Payload     CommandPayload `db:"payload" json:"payload"`
	Result      CommandPayload `db:"result" json:"result"`
	ErrorCode   *string        `db:"error_code" json:"error_code"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at"`
	EndedAt     *time.Time     `db:"ended_at" json:"ended_at"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// AgentLock serializes state-changing actions for one agent
type AgentLock struct {
	AgentID   string    `db:"agent_id" json:"agent_id"`
	HolderID  string    `db:"holder_id" json:"holder_id"`
	Purpose   string    `db:"purpose" json:"purpose"`
	LockedAt  time.Time `db:"locked_at" json:"locked_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}
