// Package pricing implements the data-quality pipeline for spot pricing
// reports: validation, per-bucket deduplication, gap classification and
// interpolation with confidence tracking, and cached clean reads.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// DedupStrategy selects how divergent same-bucket readings are resolved.
// Readings within dedupTolerance always resolve to the primary source.
type DedupStrategy string

const (
	// DedupAverage stores the mean of divergent readings
	DedupAverage DedupStrategy = "average"
	// DedupPreferPrimary keeps the primary source's reading
	DedupPreferPrimary DedupStrategy = "prefer-primary"
)

// dedupTolerance is the relative difference under which two readings for
// one bucket are considered equivalent and the primary source wins.
const dedupTolerance = 0.005

// maxReasonablePrice rejects obviously corrupt reports. No spot pool
// this system manages trades above this per-hour price.
const maxReasonablePrice = 1000.0

// Repository is the clean/raw pricing persistence the pipeline writes to
type Repository interface {
	InsertRaw(ctx context.Context, snap *types.PricingSnapshot) error
	LatestRawCollectedAt(ctx context.Context, poolID string, role types.SourceRole) (*time.Time, error)
	GetBucket(ctx context.Context, poolID string, bucketStart time.Time) (*types.PricingBucket, error)
	UpsertBucket(ctx context.Context, b *types.PricingBucket) error
	ListBuckets(ctx context.Context, poolID string, from, to time.Time) ([]*types.PricingBucket, error)
	LatestMeasured(ctx context.Context, poolID string, before time.Time) (*types.PricingBucket, error)
}

// PoolRepository is the pool catalog the pipeline validates against
type PoolRepository interface {
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (*types.SpotPool, error)
	Upsert(ctx context.Context, p *types.SpotPool) error
	ListPeers(ctx context.Context, instanceType, excludeID string) ([]*types.SpotPool, error)
}

// Report is one inbound pricing observation from a worker
type Report struct {
	AgentID          string
	InstanceType     string
	Region           string
	AvailabilityZone string
	Price            float64
	SourceRole       types.SourceRole
	CollectedAt      time.Time
}

// PoolID returns the pool the report refers to
func (r *Report) PoolID() string {
	return types.PoolKey(r.InstanceType, r.Region, r.AvailabilityZone)
}

// Config holds pipeline configuration
type Config struct {
	DedupStrategy DedupStrategy
	CacheSize     int
	CacheTTL      time.Duration
	// ClockSkewTolerance bounds how far in the future a collected_at
	// may be before the report is rejected
	ClockSkewTolerance time.Duration
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		DedupStrategy:      DedupAverage,
		CacheSize:          512,
		CacheTTL:           30 * time.Second,
		ClockSkewTolerance: 2 * time.Minute,
	}
}

// Pipeline is the pricing data-quality pipeline. Writes to one
// (pool, bucket) are serialized through a striped mutex so dedup and
// interpolation stay idempotent under concurrent or retried delivery.
type Pipeline struct {
	repo  Repository
	pools PoolRepository
	cfg   Config

	cache *lru.LRU[string, *Series]

	// stripes serialize clean-bucket writes per (pool, bucket)
	stripes [64]sync.Mutex
}

// New creates a pricing pipeline
func New(repo Repository, pools PoolRepository, cfg Config) *Pipeline {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.DedupStrategy == "" {
		cfg.DedupStrategy = DedupAverage
	}

	return &Pipeline{
		repo:  repo,
		pools: pools,
		cfg:   cfg,
		cache: lru.NewLRU[string, *Series](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

func (p *Pipeline) stripe(poolID string, bucket time.Time) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(poolID))
	h.Write([]byte(bucket.UTC().Format(time.RFC3339)))
	return &p.stripes[h.Sum32()%uint32(len(p.stripes))]
}

// Ingest validates a report, appends it to the raw audit trail, and folds
// it into the clean bucket for its (pool, time bucket). Invalid reports
// are discarded with a ValidationError; nothing is stored for them.
func (p *Pipeline) Ingest(ctx context.Context, report *Report) error {
	if err := p.validate(ctx, report); err != nil {
		log.Printf("Discarding pricing report from agent %s: %v", report.AgentID, err)
		return err
	}

	poolID := report.PoolID()

	snap := &types.PricingSnapshot{
		ID:          types.GenerateID(),
		AgentID:     report.AgentID,
		PoolID:      poolID,
		Price:       report.Price,
		SourceRole:  report.SourceRole,
		CollectedAt: report.CollectedAt,
	}
	if err := p.repo.InsertRaw(ctx, snap); err != nil {
		return err
	}

	bucket := types.BucketStart(report.CollectedAt)
	if err := p.foldIntoBucket(ctx, poolID, bucket, report); err != nil {
		return err
	}

	// Keep the pool's headline price current for the orchestrator's
	// cheapest-pool selection.
	pool := &types.SpotPool{
		ID:               poolID,
		InstanceType:     report.InstanceType,
		Region:           report.Region,
		AvailabilityZone: report.AvailabilityZone,
		LatestPrice:      report.Price,
	}
	if err := p.pools.Upsert(ctx, pool); err != nil {
		return err
	}

	p.invalidate(poolID)
	return nil
}

func (p *Pipeline) validate(ctx context.Context, report *Report) error {
	if report.AgentID == "" {
		return invalid("agent_id", "required")
	}
	if report.InstanceType == "" || report.Region == "" || report.AvailabilityZone == "" {
		return invalid("pool", "instance_type, region and availability_zone are required")
	}
	if report.SourceRole != types.SourceRolePrimary && report.SourceRole != types.SourceRoleReplica {
		return invalid("source_role", fmt.Sprintf("unknown role %q", report.SourceRole))
	}
	if report.Price <= 0 {
		return invalid("price", "must be positive")
	}
	if report.Price > maxReasonablePrice {
		return invalid("price", fmt.Sprintf("%.4f exceeds sanity bound %.0f", report.Price, maxReasonablePrice))
	}
	if report.CollectedAt.IsZero() {
		return invalid("collected_at", "required")
	}
	if report.CollectedAt.After(time.Now().Add(p.cfg.ClockSkewTolerance)) {
		return invalid("collected_at", "in the future")
	}

	poolID := report.PoolID()
	exists, err := p.pools.Exists(ctx, poolID)
	if err != nil {
		return err
	}
	if !exists {
		return invalid("pool", fmt.Sprintf("unknown pool %s", poolID))
	}

	// Timestamps must not move backwards per (pool, role). Equal
	// timestamps are allowed so retried deliveries stay idempotent.
	latest, err := p.repo.LatestRawCollectedAt(ctx, poolID, report.SourceRole)
	if err != nil {
		return err
	}
	if latest != nil && report.CollectedAt.Before(*latest) {
		return invalid("collected_at", fmt.Sprintf("older than latest report %s", latest.Format(time.RFC3339)))
	}

	return nil
}

// foldIntoBucket applies the dedup rules for one clean bucket
func (p *Pipeline) foldIntoBucket(ctx context.Context, poolID string, bucket time.Time, report *Report) error {
	mu := p.stripe(poolID, bucket)
	mu.Lock()
	defer mu.Unlock()

	isPrimary := report.SourceRole == types.SourceRolePrimary

	existing, err := p.repo.GetBucket(ctx, poolID, bucket)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	row := &types.PricingBucket{
		PoolID:          poolID,
		BucketStart:     bucket,
		Price:           report.Price,
		DataSource:      types.DataSourceMeasured,
		Confidence:      1.0,
		Method:          types.InterpolationNone,
		PrimaryObserved: isPrimary,
	}

	switch {
	case existing == nil || existing.DataSource == types.DataSourceInterpolated:
		// First measurement for the bucket, or a measurement arriving for
		// a bucket that was previously interpolated: measured data wins.

	case relDiff(existing.Price, report.Price) < dedupTolerance:
		// Equivalent readings: the designated primary source wins.
		if !isPrimary && existing.PrimaryObserved {
			return nil
		}
		row.PrimaryObserved = existing.PrimaryObserved || isPrimary
		if !isPrimary {
			row.Price = existing.Price
		}
		row.Disputed = existing.Disputed

	default:
		// Divergent readings for one bucket: flag disputed and resolve
		// per the configured strategy.
		row.Disputed = true
		row.PrimaryObserved = existing.PrimaryObserved || isPrimary
		switch p.cfg.DedupStrategy {
		case DedupPreferPrimary:
			if !isPrimary && existing.PrimaryObserved {
				row.Price = existing.Price
			}
		default:
			row.Price = (existing.Price + report.Price) / 2
		}
		log.Printf("Pricing dispute for pool %s bucket %s: stored=%.4f incoming=%.4f strategy=%s",
			poolID, bucket.Format(time.RFC3339), existing.Price, report.Price, p.cfg.DedupStrategy)
	}

	return p.repo.UpsertBucket(ctx, row)
}

func relDiff(a, b float64) float64 {
	if a == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(a)
}

// Window bounds a read of clean pricing data
type Window struct {
	From time.Time
	To   time.Time
}

// Gap is a run of buckets with no usable price, surfaced to readers when
// it exceeds the blackout threshold
type Gap struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Buckets int       `json:"buckets"`
}

// Series is an ordered run of clean/interpolated points plus any
// blackout gaps inside the window
type Series struct {
	PoolID string                 `json:"pool_id"`
	Points []*types.PricingBucket `json:"points"`
	Gaps   []Gap                  `json:"gaps"`
}

// Read returns the clean series for a pool over a window, served from a
// bounded TTL cache so the sentinel/orchestrator hot path avoids the
// database.
func (p *Pipeline) Read(ctx context.Context, poolID string, w Window) (*Series, error) {
	key := cacheKey(poolID, w)
	if series, ok := p.cache.Get(key); ok {
		return series, nil
	}

	points, err := p.repo.ListBuckets(ctx, poolID, w.From, w.To)
	if err != nil {
		return nil, err
	}

	series := &Series{
		PoolID: poolID,
		Points: points,
		Gaps:   findGaps(points, w),
	}

	p.cache.Add(key, series)
	return series, nil
}

func cacheKey(poolID string, w Window) string {
	return fmt.Sprintf("%s|%d|%d", poolID, w.From.Unix(), w.To.Unix())
}

// invalidate drops all cached windows for a pool
func (p *Pipeline) invalidate(poolID string) {
	prefix := poolID + "|"
	for _, key := range p.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			p.cache.Remove(key)
		}
	}
}

// findGaps locates runs of missing buckets inside the window
func findGaps(points []*types.PricingBucket, w Window) []Gap {
	gaps := []Gap{}
	have := make(map[int64]bool, len(points))
	for _, pt := range points {
		have[pt.BucketStart.Unix()] = true
	}

	var runStart time.Time
	runLen := 0
	for t := types.BucketStart(w.From); t.Before(w.To); t = t.Add(types.BucketWidth) {
		if have[t.Unix()] {
			if runLen > 0 {
				gaps = append(gaps, Gap{From: runStart, To: t, Buckets: runLen})
				runLen = 0
			}
			continue
		}
		if runLen == 0 {
			runStart = t
		}
		runLen++
	}
	if runLen > 0 {
		gaps = append(gaps, Gap{From: runStart, To: types.BucketStart(w.To), Buckets: runLen})
	}

	return gaps
}
