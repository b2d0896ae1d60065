package types

import "time"

// BucketWidth is the fixed time-bucket width for clean pricing rows.
// Spot price feeds update on the order of minutes; 5m buckets keep a
// 48-bucket "long gap" at four hours.
const BucketWidth = 5 * time.Minute

// SourceRole distinguishes which side of an agent pair reported a price
type SourceRole string

const (
	SourceRolePrimary SourceRole = "PRIMARY"
	SourceRoleReplica SourceRole = "REPLICA"
)

// DataSource marks whether a clean point was measured or synthesized
type DataSource string

const (
	DataSourceMeasured     DataSource = "MEASURED"
	DataSourceInterpolated DataSource = "INTERPOLATED"
)

// InterpolationMethod records how an interpolated point was produced
type InterpolationMethod string

const (
	InterpolationNone       InterpolationMethod = ""
	InterpolationLinear     InterpolationMethod = "LINEAR"
	InterpolationTimeDecay  InterpolationMethod = "TIME_DECAY"
	InterpolationPeerMedian InterpolationMethod = "PEER_MEDIAN"
)

// PricingSnapshot is a raw, append-only pricing report as received from a
// worker. Never mutated after insert; the clean table is derived from it.
type PricingSnapshot struct {
	ID          string     `db:"id" json:"id"`
	AgentID     string     `db:"agent_id" json:"agent_id"`
	PoolID      string     `db:"pool_id" json:"pool_id"`
	Price       float64    `db:"price" json:"price"`
	SourceRole  SourceRole `db:"source_role" json:"source_role"`
	CollectedAt time.Time  `db:"collected_at" json:"collected_at"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// PricingBucket is one clean row per (pool, time bucket), produced only by
// the pricing pipeline. Immutable once its confidence score is assigned.
type PricingBucket struct {
	PoolID          string              `db:"pool_id" json:"pool_id"`
	BucketStart     time.Time           `db:"bucket_start" json:"bucket_start"`
	Price           float64             `db:"price" json:"price"`
	DataSource      DataSource          `db:"data_source" json:"data_source"`
	Confidence      float64             `db:"confidence_score" json:"confidence_score"`
	Method          InterpolationMethod `db:"interpolation_method" json:"interpolation_method"`
	Disputed        bool                `db:"disputed" json:"disputed"`
	PrimaryObserved bool                `db:"primary_observed" json:"primary_observed"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
}

// BucketStart truncates a timestamp to the start of its bucket
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(BucketWidth)
}
