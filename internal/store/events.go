package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// EventStore handles interruption event operations. Events are the
// append-only record of every handled interruption occurrence; there are
// no update or delete operations by design.
type EventStore struct {
	pool *pgxpool.Pool
}

// Append creates an immutable interruption event record
func (s *EventStore) Append(ctx context.Context, event *types.InterruptionEvent) error {
	query := `
		INSERT INTO interruption_events (
			id, agent_id, pool_id, signal_type, detected_at, risk_score,
			response_action, replica_id, command_id, failover_time_ms,
			data_loss_seconds, success, detail
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := s.pool.Exec(ctx, query,
		event.ID,
		event.AgentID,
		event.PoolID,
		event.SignalType,
		event.DetectedAt,
		event.RiskScore,
		event.ResponseAction,
		event.ReplicaID,
		event.CommandID,
		event.FailoverTimeMS,
		event.DataLossSeconds,
		event.Success,
		event.Detail,
	)

	if err != nil {
		return fmt.Errorf("insert interruption event: %w", err)
	}

	return nil
}

// ListByAgent retrieves events for an agent, newest first
func (s *EventStore) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*types.InterruptionEvent, error) {
	query := `
		SELECT id, agent_id, pool_id, signal_type, detected_at, risk_score,
			response_action, replica_id, command_id, failover_time_ms,
			data_loss_seconds, success, detail, created_at
		FROM interruption_events
		WHERE agent_id = $1
		ORDER BY detected_at DESC
		LIMIT $2 OFFSET $3
	`

	return s.queryEvents(ctx, query, agentID, limit, offset)
}

// ListRecent retrieves events across all agents, newest first
func (s *EventStore) ListRecent(ctx context.Context, limit, offset int) ([]*types.InterruptionEvent, error) {
	query := `
		SELECT id, agent_id, pool_id, signal_type, detected_at, risk_score,
			response_action, replica_id, command_id, failover_time_ms,
			data_loss_seconds, success, detail, created_at
		FROM interruption_events
		ORDER BY detected_at DESC
		LIMIT $1 OFFSET $2
	`

	return s.queryEvents(ctx, query, limit, offset)
}

// PoolInterruptionRate returns the fraction of a pool's events within the
// window that were termination notices. The sentinel's rule-based scorer
// uses this as the historical interruption rate feature.
func (s *EventStore) PoolInterruptionRate(ctx context.Context, poolID string, window time.Duration) (float64, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE signal_type = 'TERMINATION_NOTICE'),
			COUNT(*)
		FROM interruption_events
		WHERE pool_id = $1 AND detected_at > NOW() - $2::interval
	`

	var terminations, total int64
	if err := s.pool.QueryRow(ctx, query, poolID, window).Scan(&terminations, &total); err != nil {
		return 0, fmt.Errorf("query pool interruption rate: %w", err)
	}

	if total == 0 {
		return 0, nil
	}

	return float64(terminations) / float64(total), nil
}

// LatestByAgent returns the newest event for an agent, or ErrNotFound
func (s *EventStore) LatestByAgent(ctx context.Context, agentID string) (*types.InterruptionEvent, error) {
	events, err := s.ListByAgent(ctx, agentID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func (s *EventStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*types.InterruptionEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interruption events: %w", err)
	}
	defer rows.Close()

	events := []*types.InterruptionEvent{}
	for rows.Next() {
		var e types.InterruptionEvent
		err := rows.Scan(
			&e.ID,
			&e.AgentID,
			&e.PoolID,
			&e.SignalType,
			&e.DetectedAt,
			&e.RiskScore,
			&e.ResponseAction,
			&e.ReplicaID,
			&e.CommandID,
			&e.FailoverTimeMS,
			&e.DataLossSeconds,
			&e.Success,
			&e.Detail,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan interruption event: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interruption events: %w", err)
	}

	return events, nil
}
