package types

import "time"

// AgentMode represents the capacity mode an agent is currently running on
type AgentMode string

const (
	AgentModeSpot     AgentMode = "SPOT"
	AgentModeOnDemand AgentMode = "ON_DEMAND"
)

// AgentStatus represents agent liveness as observed from heartbeats
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// Agent represents a logical workload identity. The logical ID is stable
// across underlying instance replacement; the instance/pool fields describe
// wherever the workload currently runs.
type Agent struct {
	ID                  string      `db:"id" json:"id"`
	LogicalID           string      `db:"logical_id" json:"logical_id"`
	InstanceID          string      `db:"instance_id" json:"instance_id"`
	InstanceType        string      `db:"instance_type" json:"instance_type"`
	Region              string      `db:"region" json:"region"`
	AvailabilityZone    string      `db:"availability_zone" json:"availability_zone"`
	Mode                AgentMode   `db:"mode" json:"mode"`
	Status              AgentStatus `db:"status" json:"status"`
	AutoSwitchEnabled   bool        `db:"auto_switch_enabled" json:"auto_switch_enabled"`
	ManualReplicaEnabled bool       `db:"manual_replica_enabled" json:"manual_replica_enabled"`
	InstanceLaunchedAt  time.Time   `db:"instance_launched_at" json:"instance_launched_at"`
	LastHeartbeatAt     *time.Time  `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// PoolID returns the spot pool the agent currently occupies
func (a *Agent) PoolID() string {
	return PoolKey(a.InstanceType, a.Region, a.AvailabilityZone)
}

// SpotPool identifies a unit of spot capacity and pricing:
// (instance type, region, availability zone)
type SpotPool struct {
	ID               string    `db:"id" json:"id"`
	InstanceType     string    `db:"instance_type" json:"instance_type"`
	Region           string    `db:"region" json:"region"`
	AvailabilityZone string    `db:"availability_zone" json:"availability_zone"`
	LatestPrice      float64   `db:"latest_price" json:"latest_price"`
	PriceUpdatedAt   *time.Time `db:"price_updated_at" json:"price_updated_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// PoolKey builds the canonical pool identifier
func PoolKey(instanceType, region, az string) string {
	return instanceType + "/" + region + "/" + az
}
