package pricing_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// memRepo is an in-memory pricing.Repository for pipeline tests
type memRepo struct {
	mu      sync.Mutex
	raw     []*types.PricingSnapshot
	buckets map[string]map[int64]*types.PricingBucket
}

func newMemRepo() *memRepo {
	return &memRepo{buckets: map[string]map[int64]*types.PricingBucket{}}
}

func (r *memRepo) InsertRaw(_ context.Context, snap *types.PricingSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, snap)
	return nil
}

func (r *memRepo) LatestRawCollectedAt(_ context.Context, poolID string, role types.SourceRole) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *time.Time
	for _, snap := range r.raw {
		if snap.PoolID != poolID || snap.SourceRole != role {
			continue
		}
		if latest == nil || snap.CollectedAt.After(*latest) {
			t := snap.CollectedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *memRepo) GetBucket(_ context.Context, poolID string, bucketStart time.Time) (*types.PricingBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[poolID][bucketStart.Unix()]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) UpsertBucket(_ context.Context, b *types.PricingBucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool := r.buckets[b.PoolID]
	if pool == nil {
		pool = map[int64]*types.PricingBucket{}
		r.buckets[b.PoolID] = pool
	}
	// Interpolated rows never replace measured rows, mirroring the
	// conditional upsert in the real store.
	if existing, ok := pool[b.BucketStart.Unix()]; ok {
		if existing.DataSource == types.DataSourceMeasured && b.DataSource != types.DataSourceMeasured {
			return nil
		}
	}
	cp := *b
	pool[b.BucketStart.Unix()] = &cp
	return nil
}

func (r *memRepo) ListBuckets(_ context.Context, poolID string, from, to time.Time) ([]*types.PricingBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*types.PricingBucket{}
	for _, b := range r.buckets[poolID] {
		if b.BucketStart.Before(from) || !b.BucketStart.Before(to) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (r *memRepo) LatestMeasured(_ context.Context, poolID string, before time.Time) (*types.PricingBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *types.PricingBucket
	for _, b := range r.buckets[poolID] {
		if b.DataSource != types.DataSourceMeasured || !b.BucketStart.Before(before) {
			continue
		}
		if latest == nil || b.BucketStart.After(latest.BucketStart) {
			latest = b
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// memPools is an in-memory pricing.PoolRepository
type memPools struct {
	mu    sync.Mutex
	pools map[string]*types.SpotPool
}

func newMemPools(pools ...*types.SpotPool) *memPools {
	m := &memPools{pools: map[string]*types.SpotPool{}}
	for _, p := range pools {
		m.pools[p.ID] = p
	}
	return m
}

func (m *memPools) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[id]
	return ok, nil
}

func (m *memPools) GetByID(_ context.Context, id string) (*types.SpotPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memPools) Upsert(_ context.Context, p *types.SpotPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pools[p.ID] = &cp
	return nil
}

func (m *memPools) ListPeers(_ context.Context, instanceType, excludeID string) ([]*types.SpotPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*types.SpotPool{}
	for _, p := range m.pools {
		if p.InstanceType != instanceType || p.ID == excludeID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func testPool(az string) *types.SpotPool {
	return &types.SpotPool{
		ID:               types.PoolKey("m5.large", "us-east-1", az),
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: az,
	}
}

func testReport(price float64, role types.SourceRole, at time.Time) *pricing.Report {
	return &pricing.Report{
		AgentID:          "agt_test",
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Price:            price,
		SourceRole:       role,
		CollectedAt:      at,
	}
}

func TestPipelineIngest(t *testing.T) {
	ctx := context.Background()
	now := types.BucketStart(time.Now().Add(-time.Hour))

	t.Run("measured report round-trips with full confidence", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now)))

		series, err := p.Read(ctx, "m5.large/us-east-1/us-east-1a", pricing.Window{From: now, To: now.Add(types.BucketWidth)})
		require.NoError(t, err)
		require.Len(t, series.Points, 1)
		assert.Equal(t, 0.0830, series.Points[0].Price)
		assert.Equal(t, types.DataSourceMeasured, series.Points[0].DataSource)
		assert.Equal(t, 1.00, series.Points[0].Confidence)
		assert.False(t, series.Points[0].Disputed)
	})

	t.Run("resubmitting an identical report is idempotent", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		report := testReport(0.0830, types.SourceRolePrimary, now)
		require.NoError(t, p.Ingest(ctx, report))
		require.NoError(t, p.Ingest(ctx, report))

		b, err := repo.GetBucket(ctx, report.PoolID(), now)
		require.NoError(t, err)
		assert.Equal(t, 0.0830, b.Price)
		assert.False(t, b.Disputed)
	})

	t.Run("near-equal readings resolve to the primary source", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now)))

		replica := testReport(0.0831, types.SourceRoleReplica, now)
		require.NoError(t, p.Ingest(ctx, replica))

		b, err := repo.GetBucket(ctx, replica.PoolID(), now)
		require.NoError(t, err)
		assert.Equal(t, 0.0830, b.Price)
		assert.False(t, b.Disputed)
	})

	t.Run("divergent readings are averaged and flagged disputed", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		require.NoError(t, p.Ingest(ctx, testReport(0.0800, types.SourceRolePrimary, now)))
		require.NoError(t, p.Ingest(ctx, testReport(0.0900, types.SourceRoleReplica, now)))

		b, err := repo.GetBucket(ctx, "m5.large/us-east-1/us-east-1a", now)
		require.NoError(t, err)
		assert.InDelta(t, 0.0850, b.Price, 1e-9)
		assert.True(t, b.Disputed)
	})

	t.Run("prefer-primary strategy keeps the primary reading", func(t *testing.T) {
		repo := newMemRepo()
		cfg := pricing.DefaultConfig()
		cfg.DedupStrategy = pricing.DedupPreferPrimary
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), cfg)

		require.NoError(t, p.Ingest(ctx, testReport(0.0800, types.SourceRolePrimary, now)))
		require.NoError(t, p.Ingest(ctx, testReport(0.0900, types.SourceRoleReplica, now)))

		b, err := repo.GetBucket(ctx, "m5.large/us-east-1/us-east-1a", now)
		require.NoError(t, err)
		assert.Equal(t, 0.0800, b.Price)
		assert.True(t, b.Disputed)
	})

	t.Run("measurement replaces a previously interpolated bucket", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		require.NoError(t, repo.UpsertBucket(ctx, &types.PricingBucket{
			PoolID:      "m5.large/us-east-1/us-east-1a",
			BucketStart: now,
			Price:       0.0700,
			DataSource:  types.DataSourceInterpolated,
			Confidence:  pricing.ConfidenceShort,
			Method:      types.InterpolationLinear,
		}))

		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now)))

		b, err := repo.GetBucket(ctx, "m5.large/us-east-1/us-east-1a", now)
		require.NoError(t, err)
		assert.Equal(t, types.DataSourceMeasured, b.DataSource)
		assert.Equal(t, 0.0830, b.Price)
		assert.Equal(t, 1.00, b.Confidence)
	})
}

func TestPipelineValidation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Add(-time.Hour)

	repo := newMemRepo()
	p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

	cases := []struct {
		name   string
		mutate func(*pricing.Report)
	}{
		{"missing agent", func(r *pricing.Report) { r.AgentID = "" }},
		{"missing region", func(r *pricing.Report) { r.Region = "" }},
		{"zero price", func(r *pricing.Report) { r.Price = 0 }},
		{"negative price", func(r *pricing.Report) { r.Price = -0.01 }},
		{"absurd price", func(r *pricing.Report) { r.Price = 5000 }},
		{"unknown role", func(r *pricing.Report) { r.SourceRole = "OBSERVER" }},
		{"zero timestamp", func(r *pricing.Report) { r.CollectedAt = time.Time{} }},
		{"future timestamp", func(r *pricing.Report) { r.CollectedAt = time.Now().Add(time.Hour) }},
		{"unknown pool", func(r *pricing.Report) { r.AvailabilityZone = "us-east-1z" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := testReport(0.0830, types.SourceRolePrimary, now)
			tc.mutate(report)

			err := p.Ingest(ctx, report)
			var verr *pricing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Empty(t, repo.raw, "rejected report must not be stored")
		})
	}

	t.Run("backwards timestamp per source is rejected", func(t *testing.T) {
		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now)))

		err := p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now.Add(-10*time.Minute)))
		var verr *pricing.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "collected_at", verr.Field)
	})

	t.Run("equal timestamp is accepted for retries", func(t *testing.T) {
		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, now)))
	})
}

func TestPipelineRead(t *testing.T) {
	ctx := context.Background()
	base := types.BucketStart(time.Now().Add(-6 * time.Hour))

	t.Run("reports blackout gaps without fabricating points", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, base)))
		require.NoError(t, p.Ingest(ctx, testReport(0.0840, types.SourceRolePrimary, base.Add(4*types.BucketWidth))))

		series, err := p.Read(ctx, "m5.large/us-east-1/us-east-1a", pricing.Window{
			From: base,
			To:   base.Add(5 * types.BucketWidth),
		})
		require.NoError(t, err)
		assert.Len(t, series.Points, 2)
		require.Len(t, series.Gaps, 1)
		assert.Equal(t, 3, series.Gaps[0].Buckets)
		assert.Equal(t, base.Add(types.BucketWidth), series.Gaps[0].From)
	})

	t.Run("ingest invalidates cached windows", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		window := pricing.Window{From: base, To: base.Add(2 * types.BucketWidth)}

		require.NoError(t, p.Ingest(ctx, testReport(0.0830, types.SourceRolePrimary, base)))
		series, err := p.Read(ctx, "m5.large/us-east-1/us-east-1a", window)
		require.NoError(t, err)
		require.Len(t, series.Points, 1)

		require.NoError(t, p.Ingest(ctx, testReport(0.0840, types.SourceRolePrimary, base.Add(types.BucketWidth))))
		series, err = p.Read(ctx, "m5.large/us-east-1/us-east-1a", window)
		require.NoError(t, err)
		assert.Len(t, series.Points, 2)
	})
}
