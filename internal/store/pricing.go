package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// PricingStore handles raw and clean pricing database operations.
// Raw snapshots are append-only; clean buckets are written only by the
// pricing pipeline.
type PricingStore struct {
	pool *pgxpool.Pool
}

// InsertRaw appends a raw pricing snapshot to the audit trail
func (s *PricingStore) InsertRaw(ctx context.Context, snap *types.PricingSnapshot) error {
	query := `
		INSERT INTO pricing_snapshots (id, agent_id, pool_id, price, source_role, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		snap.ID,
		snap.AgentID,
		snap.PoolID,
		snap.Price,
		snap.SourceRole,
		snap.CollectedAt,
	)

	if err != nil {
		return fmt.Errorf("insert raw pricing snapshot: %w", err)
	}

	return nil
}

// LatestRawCollectedAt returns the newest collected_at for a (pool, source role).
// Used by ingest validation to enforce timestamp monotonicity per reporter.
func (s *PricingStore) LatestRawCollectedAt(ctx context.Context, poolID string, role types.SourceRole) (*time.Time, error) {
	query := `
		SELECT MAX(collected_at) FROM pricing_snapshots
		WHERE pool_id = $1 AND source_role = $2
	`

	var latest *time.Time
	if err := s.pool.QueryRow(ctx, query, poolID, role).Scan(&latest); err != nil {
		return nil, fmt.Errorf("query latest raw snapshot: %w", err)
	}

	return latest, nil
}

// GetBucket retrieves one clean bucket row
func (s *PricingStore) GetBucket(ctx context.Context, poolID string, bucketStart time.Time) (*types.PricingBucket, error) {
	query := `
		SELECT pool_id, bucket_start, price, data_source, confidence_score,
			interpolation_method, disputed, primary_observed, created_at
		FROM pricing_snapshots_clean
		WHERE pool_id = $1 AND bucket_start = $2
	`

	var b types.PricingBucket
	err := s.pool.QueryRow(ctx, query, poolID, bucketStart).Scan(
		&b.PoolID,
		&b.BucketStart,
		&b.Price,
		&b.DataSource,
		&b.Confidence,
		&b.Method,
		&b.Disputed,
		&b.PrimaryObserved,
		&b.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query clean bucket: %w", err)
	}

	return &b, nil
}

// UpsertBucket writes a clean bucket row. Interpolated rows never
// overwrite measured ones, and a measured row keeps confidence 1.0.
func (s *PricingStore) UpsertBucket(ctx context.Context, b *types.PricingBucket) error {
	query := `
		INSERT INTO pricing_snapshots_clean (
			pool_id, bucket_start, price, data_source, confidence_score,
			interpolation_method, disputed, primary_observed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (pool_id, bucket_start) DO UPDATE
		SET price = EXCLUDED.price,
			data_source = EXCLUDED.data_source,
			confidence_score = EXCLUDED.confidence_score,
			interpolation_method = EXCLUDED.interpolation_method,
			disputed = EXCLUDED.disputed,
			primary_observed = EXCLUDED.primary_observed
		WHERE pricing_snapshots_clean.data_source != 'MEASURED'
			OR EXCLUDED.data_source = 'MEASURED'
	`

	_, err := s.pool.Exec(ctx, query,
		b.PoolID,
		b.BucketStart,
		b.Price,
		b.DataSource,
		b.Confidence,
		b.Method,
		b.Disputed,
		b.PrimaryObserved,
	)

	if err != nil {
		return fmt.Errorf("upsert clean bucket: %w", err)
	}

	return nil
}

// ListBuckets retrieves clean rows for a pool ordered by bucket start
func (s *PricingStore) ListBuckets(ctx context.Context, poolID string, from, to time.Time) ([]*types.PricingBucket, error) {
	query := `
		SELECT pool_id, bucket_start, price, data_source, confidence_score,
			interpolation_method, disputed, primary_observed, created_at
		FROM pricing_snapshots_clean
		WHERE pool_id = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start ASC
	`

	rows, err := s.pool.Query(ctx, query, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query clean buckets: %w", err)
	}
	defer rows.Close()

	buckets := []*types.PricingBucket{}
	for rows.Next() {
		var b types.PricingBucket
		err := rows.Scan(
			&b.PoolID,
			&b.BucketStart,
			&b.Price,
			&b.DataSource,
			&b.Confidence,
			&b.Method,
			&b.Disputed,
			&b.PrimaryObserved,
			&b.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan clean bucket: %w", err)
		}
		buckets = append(buckets, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clean buckets: %w", err)
	}

	return buckets, nil
}

// LatestMeasured returns the newest measured bucket for a pool before a
// given time, the anchor for gap interpolation.
func (s *PricingStore) LatestMeasured(ctx context.Context, poolID string, before time.Time) (*types.PricingBucket, error) {
	query := `
		SELECT pool_id, bucket_start, price, data_source, confidence_score,
			interpolation_method, disputed, primary_observed, created_at
		FROM pricing_snapshots_clean
		WHERE pool_id = $1 AND bucket_start < $2 AND data_source = 'MEASURED'
		ORDER BY bucket_start DESC
		LIMIT 1
	`

	var b types.PricingBucket
	err := s.pool.QueryRow(ctx, query, poolID, before).Scan(
		&b.PoolID,
		&b.BucketStart,
		&b.Price,
		&b.DataSource,
		&b.Confidence,
		&b.Method,
		&b.Disputed,
		&b.PrimaryObserved,
		&b.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest measured bucket: %w", err)
	}

	return &b, nil
}
