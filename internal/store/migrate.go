package store

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. A dedicated migration tool
// is overkill for a single-service schema; every statement is IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	logical_id TEXT NOT NULL UNIQUE,
	instance_id TEXT NOT NULL,
	instance_type TEXT NOT NULL,
	region TEXT NOT NULL,
	availability_zone TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ONLINE',
	auto_switch_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	manual_replica_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	instance_launched_at TIMESTAMPTZ NOT NULL,
	last_heartbeat_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT agents_mode_exclusive CHECK (NOT (auto_switch_enabled AND manual_replica_enabled))
);

CREATE TABLE IF NOT EXISTS spot_pools (
	id TEXT PRIMARY KEY,
	instance_type TEXT NOT NULL,
	region TEXT NOT NULL,
	availability_zone TEXT NOT NULL,
	latest_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_updated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (instance_type, region, availability_zone)
);

CREATE TABLE IF NOT EXISTS pricing_snapshots (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	pool_id TEXT NOT NULL REFERENCES spot_pools(id),
	price DOUBLE PRECISION NOT NULL,
	source_role TEXT NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_pricing_snapshots_pool_time
	ON pricing_snapshots (pool_id, collected_at DESC);

CREATE TABLE IF NOT EXISTS pricing_snapshots_clean (
	pool_id TEXT NOT NULL REFERENCES spot_pools(id),
	bucket_start TIMESTAMPTZ NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	data_source TEXT NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL,
	interpolation_method TEXT NOT NULL DEFAULT '',
	disputed BOOLEAN NOT NULL DEFAULT FALSE,
	primary_observed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (pool_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS replica_instances (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	replica_type TEXT NOT NULL,
	pool_id TEXT NOT NULL REFERENCES spot_pools(id),
	instance_id TEXT,
	status TEXT NOT NULL DEFAULT 'LAUNCHING',
	sync_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	launched_at TIMESTAMPTZ,
	syncing_at TIMESTAMPTZ,
	ready_at TIMESTAMPTZ,
	promoted_at TIMESTAMPTZ,
	terminated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_replica_instances_agent_status
	ON replica_instances (agent_id, status);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	command_type TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	payload JSONB,
	result JSONB,
	error_code TEXT,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_pending_equivalent
	ON commands (agent_id, command_type) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_commands_agent_dispatch
	ON commands (agent_id, status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS interruption_events (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	pool_id TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_action TEXT NOT NULL,
	replica_id TEXT,
	command_id TEXT,
	failover_time_ms BIGINT,
	data_loss_seconds DOUBLE PRECISION,
	success BOOLEAN NOT NULL,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_interruption_events_agent_time
	ON interruption_events (agent_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_interruption_events_pool_time
	ON interruption_events (pool_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS agent_locks (
	agent_id TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	locked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
