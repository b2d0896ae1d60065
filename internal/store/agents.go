package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentStore handles agent database operations
type AgentStore struct {
	pool *pgxpool.Pool
}

const agentColumns = `id, logical_id, instance_id, instance_type, region,
	availability_zone, mode, status, auto_switch_enabled, manual_replica_enabled,
	instance_launched_at, last_heartbeat_at, created_at, updated_at`

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var a types.Agent
	err := row.Scan(
		&a.ID,
		&a.LogicalID,
		&a.InstanceID,
		&a.InstanceType,
		&a.Region,
		&a.AvailabilityZone,
		&a.Mode,
		&a.Status,
		&a.AutoSwitchEnabled,
		&a.ManualReplicaEnabled,
		&a.InstanceLaunchedAt,
		&a.LastHeartbeatAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new agent record
func (s *AgentStore) Create(ctx context.Context, agent *types.Agent) error {
	query := `
		INSERT INTO agents (
			id, logical_id, instance_id, instance_type, region, availability_zone,
			mode, status, auto_switch_enabled, manual_replica_enabled, instance_launched_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.pool.Exec(ctx, query,
		agent.ID,
		agent.LogicalID,
		agent.InstanceID,
		agent.InstanceType,
		agent.Region,
		agent.AvailabilityZone,
		agent.Mode,
		agent.Status,
		agent.AutoSwitchEnabled,
		agent.ManualReplicaEnabled,
		agent.InstanceLaunchedAt,
	)

	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	return nil
}

// GetByID retrieves an agent by ID
func (s *AgentStore) GetByID(ctx context.Context, id string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	agent, err := scanAgent(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}

	return agent, nil
}

// GetByLogicalID retrieves an agent by its stable logical identity
func (s *AgentStore) GetByLogicalID(ctx context.Context, logicalID string) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE logical_id = $1`

	agent, err := scanAgent(s.pool.QueryRow(ctx, query, logicalID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent by logical id: %w", err)
	}

	return agent, nil
}

// List retrieves all agents, optionally filtered by status
func (s *AgentStore) List(ctx context.Context, status types.AgentStatus) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	agents := []*types.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}

	return agents, nil
}

// ListManualMode retrieves agents with manual replica management enabled
func (s *AgentStore) ListManualMode(ctx context.Context) ([]*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE manual_replica_enabled = TRUE AND status = 'ONLINE'
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query manual mode agents: %w", err)
	}
	defer rows.Close()

	agents := []*types.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}

	return agents, nil
}

// Heartbeat records agent liveness and marks it online
func (s *AgentStore) Heartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE agents
		SET last_heartbeat_at = NOW(), status = 'ONLINE', updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetModeFlags updates the mutually exclusive mode toggles.
// The database check is the last line of defense; the API boundary
// rejects conflicting combinations before this point.
func (s *AgentStore) SetModeFlags(ctx context.Context, id string, autoSwitch, manualReplica bool) error {
	if autoSwitch && manualReplica {
		return ErrModeConflict
	}

	query := `
		UPDATE agents
		SET auto_switch_enabled = $1, manual_replica_enabled = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := s.pool.Exec(ctx, query, autoSwitch, manualReplica, id)
	if err != nil {
		return fmt.Errorf("update agent mode flags: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SwitchInstance moves the agent's identity onto a new physical instance.
// Called when a replica is promoted or an emergency relaunch completes.
func (s *AgentStore) SwitchInstance(ctx context.Context, tx pgx.Tx, id, instanceID, instanceType, region, az string, mode types.AgentMode) error {
	query := `
		UPDATE agents
		SET instance_id = $1, instance_type = $2, region = $3, availability_zone = $4,
			mode = $5, instance_launched_at = NOW(), updated_at = NOW()
		WHERE id = $6
	`

	var exec execer = s.pool
	if tx != nil {
		exec = tx
	}

	result, err := exec.Exec(ctx, query, instanceID, instanceType, region, az, mode, id)
	if err != nil {
		return fmt.Errorf("switch agent instance: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkOffline flags agents whose heartbeat is older than the threshold
func (s *AgentStore) MarkOffline(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE agents
		SET status = 'OFFLINE', updated_at = NOW()
		WHERE status = 'ONLINE' AND last_heartbeat_at < NOW() - $1::interval
	`

	result, err := s.pool.Exec(ctx, query, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}

	return result.RowsAffected(), nil
}
