package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// seedMeasured writes a measured bucket directly, bypassing ingest
func seedMeasured(t *testing.T, repo *memRepo, poolID string, at time.Time, price float64) {
	t.Helper()
	require.NoError(t, repo.UpsertBucket(context.Background(), &types.PricingBucket{
		PoolID:          poolID,
		BucketStart:     at,
		Price:           price,
		DataSource:      types.DataSourceMeasured,
		Confidence:      1.0,
		PrimaryObserved: true,
	}))
}

func TestFillGaps(t *testing.T) {
	ctx := context.Background()
	base := types.BucketStart(time.Now().Add(-48 * time.Hour))
	poolID := "m5.large/us-east-1/us-east-1a"

	t.Run("short gap is linearly interpolated", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		seedMeasured(t, repo, poolID, base, 0.0800)
		seedMeasured(t, repo, poolID, base.Add(2*types.BucketWidth), 0.0900)

		filled, err := p.FillGaps(ctx, poolID, pricing.Window{From: base, To: base.Add(3 * types.BucketWidth)})
		require.NoError(t, err)
		assert.Equal(t, 1, filled)

		b, err := repo.GetBucket(ctx, poolID, base.Add(types.BucketWidth))
		require.NoError(t, err)
		assert.InDelta(t, 0.0850, b.Price, 1e-9)
		assert.Equal(t, types.DataSourceInterpolated, b.DataSource)
		assert.Equal(t, types.InterpolationLinear, b.Method)
		assert.Equal(t, pricing.ConfidenceShort, b.Confidence)
	})

	t.Run("medium gap uses a time-decay trailing average", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		// Six trailing measured points before a four-bucket hole.
		for i := 0; i < 6; i++ {
			seedMeasured(t, repo, poolID, base.Add(time.Duration(i)*types.BucketWidth), 0.0800+float64(i)*0.0010)
		}
		gapStart := base.Add(6 * types.BucketWidth)
		seedMeasured(t, repo, poolID, base.Add(10*types.BucketWidth), 0.0900)

		filled, err := p.FillGaps(ctx, poolID, pricing.Window{From: base, To: base.Add(11 * types.BucketWidth)})
		require.NoError(t, err)
		assert.Equal(t, 4, filled)

		b, err := repo.GetBucket(ctx, poolID, gapStart)
		require.NoError(t, err)
		assert.Equal(t, types.InterpolationTimeDecay, b.Method)
		assert.Equal(t, pricing.ConfidenceMedium, b.Confidence)
		// Recent points dominate the weighted average, so the fill lands
		// near the newest trailing values.
		assert.Greater(t, b.Price, 0.0820)
		assert.Less(t, b.Price, 0.0850)
	})

	t.Run("long gap follows the peer pool median movement", func(t *testing.T) {
		peerA := testPool("us-east-1b")
		peerB := testPool("us-east-1c")
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a"), peerA, peerB), pricing.DefaultConfig())

		seedMeasured(t, repo, poolID, base, 0.0800)

		// Peers observed throughout; both drift upward by 0.0020 at the
		// tenth bucket.
		for i := 0; i <= 40; i++ {
			at := base.Add(time.Duration(i) * types.BucketWidth)
			drift := 0.0
			if i >= 10 {
				drift = 0.0020
			}
			seedMeasured(t, repo, peerA.ID, at, 0.0780+drift)
			seedMeasured(t, repo, peerB.ID, at, 0.0820+drift)
		}

		filled, err := p.FillGaps(ctx, poolID, pricing.Window{From: base, To: base.Add(41 * types.BucketWidth)})
		require.NoError(t, err)
		assert.Equal(t, 40, filled)

		before, err := repo.GetBucket(ctx, poolID, base.Add(5*types.BucketWidth))
		require.NoError(t, err)
		assert.InDelta(t, 0.0800, before.Price, 1e-9)
		assert.Equal(t, types.InterpolationPeerMedian, before.Method)
		assert.Equal(t, pricing.ConfidenceLong, before.Confidence)

		after, err := repo.GetBucket(ctx, poolID, base.Add(20*types.BucketWidth))
		require.NoError(t, err)
		assert.InDelta(t, 0.0820, after.Price, 1e-9)
	})

	t.Run("blackout gap is left unfilled", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		seedMeasured(t, repo, poolID, base, 0.0800)
		seedMeasured(t, repo, poolID, base.Add(201*types.BucketWidth), 0.0800)

		filled, err := p.FillGaps(ctx, poolID, pricing.Window{From: base, To: base.Add(202 * types.BucketWidth)})
		require.NoError(t, err)
		assert.Equal(t, 0, filled)

		series, err := p.Read(ctx, poolID, pricing.Window{From: base, To: base.Add(202 * types.BucketWidth)})
		require.NoError(t, err)
		require.Len(t, series.Gaps, 1)
		assert.Equal(t, 200, series.Gaps[0].Buckets)
	})

	t.Run("confidence decreases with gap class", func(t *testing.T) {
		assert.Greater(t, pricing.ConfidenceMeasured, pricing.ConfidenceShort)
		assert.Greater(t, pricing.ConfidenceShort, pricing.ConfidenceMedium)
		assert.Greater(t, pricing.ConfidenceMedium, pricing.ConfidenceLong)
	})

	t.Run("fill never overwrites a measured bucket", func(t *testing.T) {
		repo := newMemRepo()
		p := pricing.New(repo, newMemPools(testPool("us-east-1a")), pricing.DefaultConfig())

		seedMeasured(t, repo, poolID, base, 0.0800)
		seedMeasured(t, repo, poolID, base.Add(types.BucketWidth), 0.0850)
		seedMeasured(t, repo, poolID, base.Add(2*types.BucketWidth), 0.0900)

		filled, err := p.FillGaps(ctx, poolID, pricing.Window{From: base, To: base.Add(3 * types.BucketWidth)})
		require.NoError(t, err)
		assert.Equal(t, 0, filled)

		b, err := repo.GetBucket(ctx, poolID, base.Add(types.BucketWidth))
		require.NoError(t, err)
		assert.Equal(t, types.DataSourceMeasured, b.DataSource)
		assert.Equal(t, 0.0850, b.Price)
	})
}
