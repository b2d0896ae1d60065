package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting store
// methods run inside or outside a caller-provided transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides database operations
type Store struct {
	pool *pgxpool.Pool

	Agents     *AgentStore
	Pools      *PoolStore
	Pricing    *PricingStore
	Replicas   *ReplicaStore
	Commands   *CommandStore
	Events     *EventStore
	AgentLocks *AgentLockStore
}

// New creates a new Store with all sub-stores initialized
func New(pool *pgxpool.Pool) *Store {
	s := &Store{
		pool: pool,
	}

	s.Agents = &AgentStore{pool: pool}
	s.Pools = &PoolStore{pool: pool}
	s.Pricing = &PricingStore{pool: pool}
	s.Replicas = &ReplicaStore{pool: pool}
	s.Commands = &CommandStore{pool: pool}
	s.Events = &EventStore{pool: pool}
	s.AgentLocks = &AgentLockStore{pool: pool}

	return s
}

// BeginTx starts a new transaction
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// WithTx executes a function within a transaction.
// If the function returns an error, the transaction is rolled back,
// otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	err = fn(tx)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats returns database pool statistics
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

// NewStore creates a new Store from a database URL
func NewStore(databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}
