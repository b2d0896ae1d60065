package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// CommandStore is the priority-ordered, per-agent command queue.
// Ordering is total: priority descending, then creation order.
type CommandStore struct {
	pool *pgxpool.Pool
}

const commandColumns = `id, agent_id, command_type, priority, status, payload,
	result, error_code, started_at, ended_at, created_at, updated_at`

func scanCommand(row pgx.Row) (*types.Command, error) {
	var c types.Command
	err := row.Scan(
		&c.ID,
		&c.AgentID,
		&c.CommandType,
		&c.Priority,
		&c.Status,
		&c.Payload,
		&c.Result,
		&c.ErrorCode,
		&c.StartedAt,
		&c.EndedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Enqueue inserts a new command. Enqueuing while an equivalent
// (agent, type) command is still pending is an idempotent no-op: the
// existing command is returned and created is false. This relies on the
// partial unique index on (agent_id, command_type) WHERE status = 'PENDING',
// so concurrent enqueues cannot create a command storm.
func (s *CommandStore) Enqueue(ctx context.Context, cmd *types.Command) (created bool, err error) {
	query := `
		INSERT INTO commands (id, agent_id, command_type, priority, status, payload)
		VALUES ($1, $2, $3, $4, 'PENDING', $5)
		ON CONFLICT (agent_id, command_type) WHERE status = 'PENDING'
		DO NOTHING
		RETURNING id
	`

	var id string
	err = s.pool.QueryRow(ctx, query,
		cmd.ID,
		cmd.AgentID,
		cmd.CommandType,
		cmd.Priority,
		cmd.Payload,
	).Scan(&id)

	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("enqueue command: %w", err)
	}

	// Equivalent pending command exists; surface it to the caller.
	existing, err := s.getPendingEquivalent(ctx, cmd.AgentID, cmd.CommandType)
	if err != nil {
		return false, err
	}
	*cmd = *existing
	return false, nil
}

func (s *CommandStore) getPendingEquivalent(ctx context.Context, agentID string, cmdType types.CommandType) (*types.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE agent_id = $1 AND command_type = $2 AND status = 'PENDING'
		LIMIT 1`

	c, err := scanCommand(s.pool.QueryRow(ctx, query, agentID, cmdType))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending equivalent: %w", err)
	}

	return c, nil
}

// GetByID retrieves a command by ID
func (s *CommandStore) GetByID(ctx context.Context, id string) (*types.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`

	c, err := scanCommand(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query command: %w", err)
	}

	return c, nil
}

// DequeuePending retrieves an agent's pending commands in dispatch order:
// priority descending, ties broken by creation order
func (s *CommandStore) DequeuePending(ctx context.Context, agentID string) ([]*types.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE agent_id = $1 AND status = 'PENDING'
		ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query pending commands: %w", err)
	}
	defer rows.Close()

	commands := []*types.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}

	return commands, nil
}

// MarkExecuting transitions a command from PENDING to EXECUTING.
// Any other starting state is an invalid transition.
func (s *CommandStore) MarkExecuting(ctx context.Context, id string) error {
	query := `
		UPDATE commands
		SET status = 'EXECUTING', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`

	result, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark command executing: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}

	return nil
}

// Report records a terminal command result. Transitions are monotonic:
// only EXECUTING commands may complete or fail, and a PENDING command may
// fail directly (worker rejected it before starting). Nothing ever moves
// back to PENDING.
func (s *CommandStore) Report(ctx context.Context, id string, status types.CommandStatus, result types.CommandPayload, errorCode *string) error {
	if status != types.CommandStatusCompleted && status != types.CommandStatusFailed {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}

	allowedFrom := `('EXECUTING')`
	if status == types.CommandStatusFailed {
		allowedFrom = `('EXECUTING', 'PENDING')`
	}

	query := fmt.Sprintf(`
		UPDATE commands
		SET status = $1, result = $2, error_code = $3, ended_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status IN %s
	`, allowedFrom)

	res, err := s.pool.Exec(ctx, query, status, result, errorCode, id)
	if err != nil {
		return fmt.Errorf("report command result: %w", err)
	}

	if res.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}

	return nil
}

// transitionError distinguishes a missing command from an illegal
// status transition after an update matched no rows
func (s *CommandStore) transitionError(ctx context.Context, id string) error {
	var status types.CommandStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM commands WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query command status: %w", err)
	}

	return fmt.Errorf("%w: command %s is %s", ErrInvalidTransition, id, status)
}

// ListStuckExecuting returns commands executing longer than the threshold.
// There is no server-enforced execution timeout; this feeds the
// reconciler's watchdog logging only.
func (s *CommandStore) ListStuckExecuting(ctx context.Context, threshold time.Duration) ([]*types.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE status = 'EXECUTING' AND started_at < NOW() - $1::interval
		ORDER BY started_at ASC`

	rows, err := s.pool.Query(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stuck commands: %w", err)
	}
	defer rows.Close()

	commands := []*types.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck command: %w", err)
		}
		commands = append(commands, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck commands: %w", err)
	}

	return commands, nil
}
