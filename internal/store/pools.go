package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// PoolStore handles spot pool database operations
type PoolStore struct {
	pool *pgxpool.Pool
}

// Upsert inserts a pool or refreshes its latest price
func (s *PoolStore) Upsert(ctx context.Context, p *types.SpotPool) error {
	query := `
		INSERT INTO spot_pools (id, instance_type, region, availability_zone, latest_price, price_updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET latest_price = EXCLUDED.latest_price, price_updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID,
		p.InstanceType,
		p.Region,
		p.AvailabilityZone,
		p.LatestPrice,
	)

	if err != nil {
		return fmt.Errorf("upsert pool: %w", err)
	}

	return nil
}

// EnsureExists inserts a pool if it is not already in the catalog.
// Existing rows keep their latest price.
func (s *PoolStore) EnsureExists(ctx context.Context, p *types.SpotPool) error {
	query := `
		INSERT INTO spot_pools (id, instance_type, region, availability_zone, latest_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID,
		p.InstanceType,
		p.Region,
		p.AvailabilityZone,
		p.LatestPrice,
	)

	if err != nil {
		return fmt.Errorf("ensure pool: %w", err)
	}

	return nil
}

// GetByID retrieves a pool by its canonical key
func (s *PoolStore) GetByID(ctx context.Context, id string) (*types.SpotPool, error) {
	query := `
		SELECT id, instance_type, region, availability_zone, latest_price, price_updated_at, created_at
		FROM spot_pools
		WHERE id = $1
	`

	var p types.SpotPool
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.InstanceType,
		&p.Region,
		&p.AvailabilityZone,
		&p.LatestPrice,
		&p.PriceUpdatedAt,
		&p.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pool: %w", err)
	}

	return &p, nil
}

// Exists reports whether a pool is registered
func (s *PoolStore) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM spot_pools WHERE id = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check pool exists: %w", err)
	}

	return exists, nil
}

// ListByPrice retrieves all pools ordered by latest price ascending
func (s *PoolStore) ListByPrice(ctx context.Context) ([]*types.SpotPool, error) {
	query := `
		SELECT id, instance_type, region, availability_zone, latest_price, price_updated_at, created_at
		FROM spot_pools
		ORDER BY latest_price ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pools by price: %w", err)
	}
	defer rows.Close()

	pools := []*types.SpotPool{}
	for rows.Next() {
		var p types.SpotPool
		err := rows.Scan(
			&p.ID,
			&p.InstanceType,
			&p.Region,
			&p.AvailabilityZone,
			&p.LatestPrice,
			&p.PriceUpdatedAt,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}

	return pools, nil
}

// ListPeers retrieves pools sharing an instance type, excluding one pool.
// Used for long-gap interpolation from peer pools.
func (s *PoolStore) ListPeers(ctx context.Context, instanceType, excludeID string) ([]*types.SpotPool, error) {
	query := `
		SELECT id, instance_type, region, availability_zone, latest_price, price_updated_at, created_at
		FROM spot_pools
		WHERE instance_type = $1 AND id != $2
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, instanceType, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query peer pools: %w", err)
	}
	defer rows.Close()

	pools := []*types.SpotPool{}
	for rows.Next() {
		var p types.SpotPool
		err := rows.Scan(
			&p.ID,
			&p.InstanceType,
			&p.Region,
			&p.AvailabilityZone,
			&p.LatestPrice,
			&p.PriceUpdatedAt,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan peer pool: %w", err)
		}
		pools = append(pools, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer pools: %w", err)
	}

	return pools, nil
}
