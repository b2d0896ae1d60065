package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// ReplicaStore handles replica instance database operations
type ReplicaStore struct {
	pool *pgxpool.Pool
}

const replicaColumns = `id, agent_id, replica_type, pool_id, instance_id, status,
	sync_progress, launched_at, syncing_at, ready_at, promoted_at, terminated_at,
	created_at, updated_at`

func scanReplica(row pgx.Row) (*types.ReplicaInstance, error) {
	var r types.ReplicaInstance
	err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.Type,
		&r.PoolID,
		&r.InstanceID,
		&r.Status,
		&r.SyncProgress,
		&r.LaunchedAt,
		&r.SyncingAt,
		&r.ReadyAt,
		&r.PromotedAt,
		&r.TerminatedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a new replica record
func (s *ReplicaStore) Create(ctx context.Context, tx pgx.Tx, r *types.ReplicaInstance) error {
	query := `
		INSERT INTO replica_instances (id, agent_id, replica_type, pool_id, status, sync_progress)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var exec execer = s.pool
	if tx != nil {
		exec = tx
	}

	_, err := exec.Exec(ctx, query,
		r.ID,
		r.AgentID,
		r.Type,
		r.PoolID,
		r.Status,
		r.SyncProgress,
	)

	if err != nil {
		return fmt.Errorf("insert replica: %w", err)
	}

	return nil
}

// GetByID retrieves a replica by ID
func (s *ReplicaStore) GetByID(ctx context.Context, id string) (*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances WHERE id = $1`

	r, err := scanReplica(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query replica: %w", err)
	}

	return r, nil
}

// ListActiveByAgent retrieves non-terminated replicas for an agent,
// newest first
func (s *ReplicaStore) ListActiveByAgent(ctx context.Context, agentID string) ([]*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE agent_id = $1 AND status != 'TERMINATED'
		ORDER BY created_at DESC`

	return s.queryReplicas(ctx, query, agentID)
}

// GetReady retrieves the agent's ready replica, if one exists
func (s *ReplicaStore) GetReady(ctx context.Context, agentID string) (*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE agent_id = $1 AND status = 'READY'
		ORDER BY ready_at DESC
		LIMIT 1`

	r, err := scanReplica(s.pool.QueryRow(ctx, query, agentID))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ready replica: %w", err)
	}

	return r, nil
}

// ListStuckSyncing retrieves replicas syncing for longer than the threshold
func (s *ReplicaStore) ListStuckSyncing(ctx context.Context, threshold time.Duration) ([]*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE status = 'SYNCING' AND syncing_at < NOW() - $1::interval
		ORDER BY syncing_at ASC`

	return s.queryReplicas(ctx, query, threshold)
}

// ListIdleReady retrieves automatic-mode ready replicas whose triggering
// episode has gone quiet for longer than the threshold
func (s *ReplicaStore) ListIdleReady(ctx context.Context, threshold time.Duration) ([]*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE status = 'READY'
			AND replica_type != 'MANUAL'
			AND ready_at < NOW() - $1::interval
		ORDER BY ready_at ASC`

	return s.queryReplicas(ctx, query, threshold)
}

// ListPromotedSince retrieves replicas promoted within the window
func (s *ReplicaStore) ListPromotedSince(ctx context.Context, window time.Duration) ([]*types.ReplicaInstance, error) {
	query := `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE status = 'PROMOTED' AND promoted_at > NOW() - $1::interval
		ORDER BY promoted_at ASC`

	return s.queryReplicas(ctx, query, window)
}

func (s *ReplicaStore) queryReplicas(ctx context.Context, query string, args ...interface{}) ([]*types.ReplicaInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query replicas: %w", err)
	}
	defer rows.Close()

	replicas := []*types.ReplicaInstance{}
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		replicas = append(replicas, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replicas: %w", err)
	}

	return replicas, nil
}

// UpdateStatus advances a replica's lifecycle state and stamps the
// matching transition timestamp
func (s *ReplicaStore) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status types.ReplicaStatus) error {
	var stampCol string
	switch status {
	case types.ReplicaStatusLaunching:
		stampCol = "launched_at"
	case types.ReplicaStatusSyncing:
		stampCol = "syncing_at"
	case types.ReplicaStatusReady:
		stampCol = "ready_at"
	case types.ReplicaStatusPromoted:
		stampCol = "promoted_at"
	case types.ReplicaStatusTerminated:
		stampCol = "terminated_at"
	default:
		return fmt.Errorf("unknown replica status %q", status)
	}

	query := fmt.Sprintf(`
		UPDATE replica_instances
		SET status = $1, %s = NOW(), updated_at = NOW()
		WHERE id = $2
	`, stampCol)

	var exec execer = s.pool
	if tx != nil {
		exec = tx
	}

	result, err := exec.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update replica status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetInstance records the physical instance backing a replica once launched
func (s *ReplicaStore) SetInstance(ctx context.Context, id, instanceID string) error {
	query := `
		UPDATE replica_instances
		SET instance_id = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.pool.Exec(ctx, query, instanceID, id)
	if err != nil {
		return fmt.Errorf("set replica instance: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetSyncProgress records replication progress reported by the agent.
// A replica reaching 100% flips to READY and becomes promotable. Only a
// SYNCING replica accepts progress.
func (s *ReplicaStore) SetSyncProgress(ctx context.Context, id string, progress float64) error {
	query := `
		UPDATE replica_instances
		SET sync_progress = $1,
			status = CASE WHEN $1 >= 100 THEN 'READY' ELSE status END,
			ready_at = CASE WHEN $1 >= 100 THEN NOW() ELSE ready_at END,
			updated_at = NOW()
		WHERE id = $2 AND status = 'SYNCING'
	`

	result, err := s.pool.Exec(ctx, query, progress, id)
	if err != nil {
		return fmt.Errorf("set replica sync progress: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.progressError(ctx, id)
	}

	return nil
}

// progressError distinguishes a missing replica from a progress report
// against a replica outside SYNCING
func (s *ReplicaStore) progressError(ctx context.Context, id string) error {
	var status types.ReplicaStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM replica_instances WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query replica status: %w", err)
	}

	return fmt.Errorf("%w: replica %s is %s", ErrInvalidTransition, id, status)
}
