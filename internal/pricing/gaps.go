package pricing

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"time"

	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// Gap classification thresholds, in missing buckets
const (
	shortGapMax  = 2
	mediumGapMax = 6
	longGapMax   = 48
)

// Confidence scores assigned per interpolation method
const (
	ConfidenceMeasured = 1.00
	ConfidenceShort    = 0.85
	ConfidenceMedium   = 0.75
	ConfidenceLong     = 0.70
)

// trailingWindowBuckets is how many prior points feed the time-decay
// weighted average for medium gaps
const trailingWindowBuckets = 12

// decayHalfLife controls how quickly older points lose weight in the
// time-decay average, expressed in buckets
const decayHalfLife = 3.0

// FillGaps scans a pool's clean series over the window, classifies each
// run of missing buckets, and fills what its class allows:
//
//	<= 2 buckets   linear between the bounding points, confidence 0.85
//	3-6 buckets    time-decay weighted trailing average, confidence 0.75
//	7-48 buckets   median peer-pool price delta applied to the last
//	               known value, confidence 0.70
//	> 48 buckets   blackout: left unfilled, surfaced as a Gap to readers
//
// Returns the number of buckets filled. Fills are idempotent: a filled
// bucket is an existing row on the next scan, and measured rows are
// never overwritten.
func (p *Pipeline) FillGaps(ctx context.Context, poolID string, w Window) (int, error) {
	points, err := p.repo.ListBuckets(ctx, poolID, w.From, w.To)
	if err != nil {
		return 0, err
	}

	byBucket := make(map[int64]*types.PricingBucket, len(points))
	for _, pt := range points {
		byBucket[pt.BucketStart.Unix()] = pt
	}

	filled := 0
	for _, gap := range findGaps(points, w) {
		n, err := p.fillGap(ctx, poolID, gap, byBucket)
		if err != nil {
			return filled, err
		}
		filled += n
	}

	if filled > 0 {
		p.invalidate(poolID)
	}

	return filled, nil
}

func (p *Pipeline) fillGap(ctx context.Context, poolID string, gap Gap, byBucket map[int64]*types.PricingBucket) (int, error) {
	prev := byBucket[gap.From.Add(-types.BucketWidth).Unix()]
	next := byBucket[gap.To.Unix()]

	switch {
	case gap.Buckets <= shortGapMax:
		if prev == nil || next == nil {
			// A short gap at the edge of recorded history has nothing to
			// anchor a line to; it will resolve once data arrives.
			return 0, nil
		}
		return p.fillLinear(ctx, poolID, gap, prev, next)

	case gap.Buckets <= mediumGapMax:
		return p.fillTimeDecay(ctx, poolID, gap)

	case gap.Buckets <= longGapMax:
		return p.fillPeerMedian(ctx, poolID, gap)

	default:
		log.Printf("Pricing blackout for pool %s: %d buckets from %s, leaving unfilled",
			poolID, gap.Buckets, gap.From.Format(time.RFC3339))
		return 0, nil
	}
}

// fillLinear interpolates between the points bounding a short gap
func (p *Pipeline) fillLinear(ctx context.Context, poolID string, gap Gap, prev, next *types.PricingBucket) (int, error) {
	span := float64(gap.Buckets + 1)
	step := (next.Price - prev.Price) / span

	filled := 0
	for i := 0; i < gap.Buckets; i++ {
		bucket := gap.From.Add(time.Duration(i) * types.BucketWidth)
		row := &types.PricingBucket{
			PoolID:      poolID,
			BucketStart: bucket,
			Price:       prev.Price + step*float64(i+1),
			DataSource:  types.DataSourceInterpolated,
			Confidence:  ConfidenceShort,
			Method:      types.InterpolationLinear,
		}
		if err := p.repo.UpsertBucket(ctx, row); err != nil {
			return filled, err
		}
		filled++
	}

	return filled, nil
}

// fillTimeDecay fills a medium gap with an exponentially weighted average
// of the trailing window before the gap
func (p *Pipeline) fillTimeDecay(ctx context.Context, poolID string, gap Gap) (int, error) {
	from := gap.From.Add(-trailingWindowBuckets * types.BucketWidth)
	trailing, err := p.repo.ListBuckets(ctx, poolID, from, gap.From)
	if err != nil {
		return 0, err
	}
	if len(trailing) == 0 {
		return 0, nil
	}

	var weightedSum, weightTotal float64
	for _, pt := range trailing {
		ageBuckets := gap.From.Sub(pt.BucketStart).Seconds() / types.BucketWidth.Seconds()
		weight := math.Exp2(-ageBuckets / decayHalfLife)
		weightedSum += pt.Price * weight
		weightTotal += weight
	}
	price := weightedSum / weightTotal

	filled := 0
	for i := 0; i < gap.Buckets; i++ {
		bucket := gap.From.Add(time.Duration(i) * types.BucketWidth)
		row := &types.PricingBucket{
			PoolID:      poolID,
			BucketStart: bucket,
			Price:       price,
			DataSource:  types.DataSourceInterpolated,
			Confidence:  ConfidenceMedium,
			Method:      types.InterpolationTimeDecay,
		}
		if err := p.repo.UpsertBucket(ctx, row); err != nil {
			return filled, err
		}
		filled++
	}

	return filled, nil
}

// fillPeerMedian fills a long gap by applying the median price movement
// of peer pools (same instance type, different az/region) to this pool's
// last known value
func (p *Pipeline) fillPeerMedian(ctx context.Context, poolID string, gap Gap) (int, error) {
	lastKnown, err := p.repo.LatestMeasured(ctx, poolID, gap.From)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	pool, err := p.pools.GetByID(ctx, poolID)
	if err != nil {
		return 0, err
	}

	peers, err := p.pools.ListPeers(ctx, pool.InstanceType, poolID)
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		log.Printf("No peer pools for %s, long gap left unfilled", poolID)
		return 0, nil
	}

	// Anchor each peer's movement at this pool's last known bucket.
	peerSeries := make(map[string]map[int64]*types.PricingBucket, len(peers))
	for _, peer := range peers {
		buckets, err := p.repo.ListBuckets(ctx, peer.ID, lastKnown.BucketStart, gap.To.Add(types.BucketWidth))
		if err != nil {
			return 0, err
		}
		byBucket := make(map[int64]*types.PricingBucket, len(buckets))
		for _, b := range buckets {
			byBucket[b.BucketStart.Unix()] = b
		}
		peerSeries[peer.ID] = byBucket
	}

	filled := 0
	for i := 0; i < gap.Buckets; i++ {
		bucket := gap.From.Add(time.Duration(i) * types.BucketWidth)

		deltas := []float64{}
		for _, series := range peerSeries {
			anchor := series[lastKnown.BucketStart.Unix()]
			at := series[bucket.Unix()]
			if anchor == nil || at == nil {
				continue
			}
			deltas = append(deltas, at.Price-anchor.Price)
		}
		if len(deltas) == 0 {
			continue
		}

		price := lastKnown.Price + median(deltas)
		if price <= 0 {
			continue
		}

		row := &types.PricingBucket{
			PoolID:      poolID,
			BucketStart: bucket,
			Price:       price,
			DataSource:  types.DataSourceInterpolated,
			Confidence:  ConfidenceLong,
			Method:      types.InterpolationPeerMedian,
		}
		if err := p.repo.UpsertBucket(ctx, row); err != nil {
			return filled, err
		}
		filled++
	}

	return filled, nil
}

func median(values []float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
