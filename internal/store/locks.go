package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentLockStore serializes per-agent state-changing actions. A holder
// (orchestrator pass, reconciler pass, or executor run) must acquire the
// agent's lock before creating, promoting, or terminating replicas, so a
// concurrently-running reconciler pass and an arriving interruption
// signal for the same agent cannot double-create or double-promote.
// No lock spans more than one agent.
type AgentLockStore struct {
	pool *pgxpool.Pool
}

// TryAcquire attempts to acquire the lock for an agent.
// Returns false without error if the lock is already held.
func (s *AgentLockStore) TryAcquire(ctx context.Context, lock *types.AgentLock) (bool, error) {
	// Expired locks are fair game; clear any stale row first so a crashed
	// holder cannot wedge the agent forever.
	cleanup := `DELETE FROM agent_locks WHERE agent_id = $1 AND expires_at < NOW()`
	if _, err := s.pool.Exec(ctx, cleanup, lock.AgentID); err != nil {
		return false, fmt.Errorf("clear expired agent lock: %w", err)
	}

	query := `
		INSERT INTO agent_locks (agent_id, holder_id, purpose, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO NOTHING
		RETURNING agent_id
	`

	var agentID string
	err := s.pool.QueryRow(ctx, query,
		lock.AgentID,
		lock.HolderID,
		lock.Purpose,
		lock.ExpiresAt,
	).Scan(&agentID)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire agent lock: %w", err)
	}

	return true, nil
}

// Release removes an agent lock held by the given holder
func (s *AgentLockStore) Release(ctx context.Context, agentID, holderID string) error {
	query := `
		DELETE FROM agent_locks
		WHERE agent_id = $1 AND holder_id = $2
	`

	_, err := s.pool.Exec(ctx, query, agentID, holderID)
	if err != nil {
		return fmt.Errorf("release agent lock: %w", err)
	}

	return nil
}

// Extend pushes out the lock expiry for a long-running holder
func (s *AgentLockStore) Extend(ctx context.Context, agentID, holderID string, ttl time.Duration) error {
	query := `
		UPDATE agent_locks
		SET expires_at = NOW() + $1::interval
		WHERE agent_id = $2 AND holder_id = $3
	`

	result, err := s.pool.Exec(ctx, query, ttl, agentID, holderID)
	if err != nil {
		return fmt.Errorf("extend agent lock: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CleanupExpired removes expired locks and returns how many were cleared
func (s *AgentLockStore) CleanupExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM agent_locks WHERE expires_at < NOW()`

	result, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired agent locks: %w", err)
	}

	return result.RowsAffected(), nil
}

// IsLocked checks whether the agent currently has a live lock
func (s *AgentLockStore) IsLocked(ctx context.Context, agentID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM agent_locks
			WHERE agent_id = $1 AND expires_at > NOW()
		)
	`

	var locked bool
	if err := s.pool.QueryRow(ctx, query, agentID).Scan(&locked); err != nil {
		return false, fmt.Errorf("check agent lock: %w", err)
	}

	return locked, nil
}
