package failover_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atharva0608/final-ml-sub000/internal/failover"
	"github.com/atharva0608/final-ml-sub000/internal/store"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

type fakeAgents struct {
	agents map[string]*types.Agent
}

func (f *fakeAgents) GetByID(_ context.Context, id string) (*types.Agent, error) {
	if a, ok := f.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

type fakePools struct {
	pools []*types.SpotPool
}

func (f *fakePools) ListByPrice(context.Context) ([]*types.SpotPool, error) {
	return f.pools, nil
}

type fakeReplicas struct {
	mu       sync.Mutex
	replicas map[string]*types.ReplicaInstance
}

func newFakeReplicas(replicas ...*types.ReplicaInstance) *fakeReplicas {
	f := &fakeReplicas{replicas: map[string]*types.ReplicaInstance{}}
	for _, r := range replicas {
		f.replicas[r.ID] = r
	}
	return f
}

func (f *fakeReplicas) Create(_ context.Context, _ pgx.Tx, r *types.ReplicaInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.replicas[r.ID] = &cp
	return nil
}

func (f *fakeReplicas) GetByID(_ context.Context, id string) (*types.ReplicaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.replicas[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeReplicas) ListActiveByAgent(_ context.Context, agentID string) ([]*types.ReplicaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.ReplicaInstance{}
	for _, r := range f.replicas {
		if r.AgentID == agentID && r.Status.Active() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeReplicas) GetReady(_ context.Context, agentID string) (*types.ReplicaInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.replicas {
		if r.AgentID == agentID && r.Status == types.ReplicaStatusReady {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeReplicas) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status types.ReplicaStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.replicas[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

type fakeCommands struct {
	mu       sync.Mutex
	commands []*types.Command
}

func (f *fakeCommands) Enqueue(_ context.Context, cmd *types.Command) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.commands {
		if existing.AgentID == cmd.AgentID && existing.CommandType == cmd.CommandType &&
			existing.Status == types.CommandStatusPending {
			*cmd = *existing
			return false, nil
		}
	}
	cp := *cmd
	cp.Status = types.CommandStatusPending
	f.commands = append(f.commands, &cp)
	return true, nil
}

func (f *fakeCommands) byType(ct types.CommandType) []*types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.Command{}
	for _, c := range f.commands {
		if c.CommandType == ct {
			out = append(out, c)
		}
	}
	return out
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*types.InterruptionEvent
}

func (f *fakeEvents) Append(_ context.Context, ev *types.InterruptionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[string]string{}}
}

func (f *fakeLocks) TryAcquire(_ context.Context, lock *types.AgentLock) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[lock.AgentID]; ok {
		return false, nil
	}
	f.held[lock.AgentID] = lock.HolderID
	return true, nil
}

func (f *fakeLocks) Release(_ context.Context, agentID, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[agentID] == holderID {
		delete(f.held, agentID)
	}
	return nil
}

func pool(az string, price float64) *types.SpotPool {
	return &types.SpotPool{
		ID:               types.PoolKey("m5.large", "us-east-1", az),
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: az,
		LatestPrice:      price,
	}
}

type fixture struct {
	orch     *failover.Orchestrator
	agent    *types.Agent
	replicas *fakeReplicas
	commands *fakeCommands
	events   *fakeEvents
	locks    *fakeLocks
}

func newFixture(t *testing.T, pools []*types.SpotPool, existing ...*types.ReplicaInstance) *fixture {
	t.Helper()

	hb := time.Now().Add(-30 * time.Second)
	agent := &types.Agent{
		ID:                 "agt_1",
		LogicalID:          "workload-1",
		InstanceID:         "i-primary",
		InstanceType:       "m5.large",
		Region:             "us-east-1",
		AvailabilityZone:   "us-east-1a",
		Mode:               types.AgentModeSpot,
		Status:             types.AgentStatusOnline,
		AutoSwitchEnabled:  true,
		InstanceLaunchedAt: time.Now().Add(-time.Hour),
		LastHeartbeatAt:    &hb,
	}

	f := &fixture{
		agent:    agent,
		replicas: newFakeReplicas(existing...),
		commands: &fakeCommands{},
		events:   &fakeEvents{},
		locks:    newFakeLocks(),
	}
	f.orch = failover.New(
		&fakeAgents{agents: map[string]*types.Agent{agent.ID: agent}},
		&fakePools{pools: pools},
		f.replicas, f.commands, f.events, f.locks,
		failover.DefaultConfig(),
	)
	return f
}

func signal(st types.SignalType) *types.InterruptionSignal {
	return &types.InterruptionSignal{
		AgentID:    "agt_1",
		PoolID:     "m5.large/us-east-1/us-east-1a",
		SignalType: st,
		DetectedAt: time.Now(),
		InstanceID: "i-primary",
	}
}

func TestCreateStandbyReplica(t *testing.T) {
	ctx := context.Background()

	t.Run("places the replica in the cheapest pool excluding the current one", func(t *testing.T) {
		// Cheapest overall is the agent's own pool; the replica must land
		// in the next cheapest distinct pool.
		f := newFixture(t, []*types.SpotPool{
			pool("us-east-1a", 0.0700),
			pool("us-east-1b", 0.0750),
			pool("us-east-1c", 0.0900),
		})

		require.NoError(t, f.orch.CreateStandbyReplica(ctx, f.agent, signal(types.SignalRebalance), 0.6))

		launches := f.commands.byType(types.CommandTypeLaunchReplica)
		require.Len(t, launches, 1)
		assert.Equal(t, "m5.large/us-east-1/us-east-1b", launches[0].Payload["pool_id"])
		assert.Equal(t, types.PriorityEmergency, launches[0].Priority)

		require.Len(t, f.events.events, 1)
		ev := f.events.events[0]
		assert.Equal(t, types.ActionCreateStandbyReplica, ev.ResponseAction)
		assert.Equal(t, 0.6, ev.RiskScore)
		assert.NotNil(t, ev.ReplicaID)
	})

	t.Run("is idempotent when an active replica exists", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, &types.ReplicaInstance{
			ID:      "rep_existing",
			AgentID: "agt_1",
			Type:    types.ReplicaTypeAutoRebalance,
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusSyncing,
		})

		require.NoError(t, f.orch.CreateStandbyReplica(ctx, f.agent, signal(types.SignalRebalance), 0.6))
		assert.Empty(t, f.commands.byType(types.CommandTypeLaunchReplica))
		assert.Len(t, f.replicas.replicas, 1)
	})

	t.Run("fails when no distinct pool exists", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1a", 0.0700)})

		err := f.orch.CreateStandbyReplica(ctx, f.agent, signal(types.SignalRebalance), 0.6)
		require.Error(t, err)
	})

	t.Run("returns lock held when another holder owns the agent", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)})
		f.locks.held["agt_1"] = "someone-else"

		err := f.orch.CreateStandbyReplica(ctx, f.agent, signal(types.SignalRebalance), 0.6)
		require.ErrorIs(t, err, store.ErrLockHeld)
	})
}

func TestFailoverNow(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes the ready replica", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, &types.ReplicaInstance{
			ID:      "rep_ready",
			AgentID: "agt_1",
			Type:    types.ReplicaTypeAutoRebalance,
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusReady,
		})

		action, err := f.orch.FailoverNow(ctx, f.agent, signal(types.SignalTermination), 0.9)
		require.NoError(t, err)
		assert.Equal(t, types.ActionPromoteReplica, action)

		promotes := f.commands.byType(types.CommandTypePromoteReplica)
		require.Len(t, promotes, 1)
		assert.Equal(t, "rep_ready", promotes[0].Payload["replica_id"])
		assert.Equal(t, types.PriorityEmergency, promotes[0].Priority)

		require.Len(t, f.events.events, 1)
		require.NotNil(t, f.events.events[0].FailoverTimeMS)
		assert.GreaterOrEqual(t, *f.events.events[0].FailoverTimeMS, int64(0))
	})

	t.Run("recovers on demand when no replica is ready", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)})

		action, err := f.orch.FailoverNow(ctx, f.agent, signal(types.SignalTermination), 0.9)
		require.NoError(t, err)
		assert.Equal(t, types.ActionEmergencyRecover, action)

		recovers := f.commands.byType(types.CommandTypeEmergencyRecover)
		require.Len(t, recovers, 1)

		require.Len(t, f.events.events, 1)
		ev := f.events.events[0]
		require.NotNil(t, ev.DataLossSeconds)
		assert.InDelta(t, 30.0, *ev.DataLossSeconds, 5.0)
	})

	t.Run("syncing replica is not promotable", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, &types.ReplicaInstance{
			ID:      "rep_syncing",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusSyncing,
		})

		action, err := f.orch.FailoverNow(ctx, f.agent, signal(types.SignalTermination), 0.9)
		require.NoError(t, err)
		assert.Equal(t, types.ActionEmergencyRecover, action)
	})
}

func TestHandleCapacityFailure(t *testing.T) {
	ctx := context.Background()

	failedLaunch := func(attempt int) *types.Command {
		return &types.Command{
			ID:          "cmd_launch",
			AgentID:     "agt_1",
			CommandType: types.CommandTypeLaunchReplica,
			Priority:    types.PriorityEmergency,
			Status:      types.CommandStatusFailed,
			Payload: types.CommandPayload{
				"replica_id":     "rep_failed",
				"pool_id":        "m5.large/us-east-1/us-east-1b",
				"attempt":        float64(attempt),
				"excluded_pools": []interface{}{"m5.large/us-east-1/us-east-1a"},
			},
		}
	}

	t.Run("reroutes to the next cheapest pool", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{
			pool("us-east-1a", 0.0700),
			pool("us-east-1b", 0.0750),
			pool("us-east-1c", 0.0900),
		}, &types.ReplicaInstance{
			ID:      "rep_failed",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusLaunching,
		})

		require.NoError(t, f.orch.HandleCapacityFailure(ctx, failedLaunch(1)))

		failed, err := f.replicas.GetByID(ctx, "rep_failed")
		require.NoError(t, err)
		assert.Equal(t, types.ReplicaStatusTerminated, failed.Status)

		launches := f.commands.byType(types.CommandTypeLaunchReplica)
		require.Len(t, launches, 1)
		assert.Equal(t, "m5.large/us-east-1/us-east-1c", launches[0].Payload["pool_id"])
		assert.Equal(t, 2, launches[0].Payload["attempt"])
	})

	t.Run("falls back to emergency recovery after max attempts", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{
			pool("us-east-1b", 0.0750),
			pool("us-east-1c", 0.0900),
		}, &types.ReplicaInstance{
			ID:      "rep_failed",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusLaunching,
		})

		require.NoError(t, f.orch.HandleCapacityFailure(ctx, failedLaunch(3)))

		assert.Empty(t, f.commands.byType(types.CommandTypeLaunchReplica))
		assert.Len(t, f.commands.byType(types.CommandTypeEmergencyRecover), 1)
	})
}

func TestHandlePromotionFailure(t *testing.T) {
	ctx := context.Background()

	failedPromote := func(pastPONR bool) *types.Command {
		return &types.Command{
			ID:          "cmd_promote",
			AgentID:     "agt_1",
			CommandType: types.CommandTypePromoteReplica,
			Priority:    types.PriorityEmergency,
			Status:      types.CommandStatusFailed,
			Payload:     types.CommandPayload{"replica_id": "rep_ready"},
			Result: types.CommandPayload{
				"point_of_no_return": pastPONR,
				"error":              "target instance unreachable",
			},
		}
	}

	t.Run("before point of no return discards the replica and re-runs failover", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, &types.ReplicaInstance{
			ID:      "rep_ready",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusReady,
		})

		require.NoError(t, f.orch.HandlePromotionFailure(ctx, failedPromote(false)))

		discarded, err := f.replicas.GetByID(ctx, "rep_ready")
		require.NoError(t, err)
		assert.Equal(t, types.ReplicaStatusTerminated, discarded.Status)

		// With the only replica gone, the re-run recovers on demand.
		assert.Len(t, f.commands.byType(types.CommandTypeEmergencyRecover), 1)
	})

	t.Run("after point of no return records a fatal event", func(t *testing.T) {
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, &types.ReplicaInstance{
			ID:      "rep_ready",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusReady,
		})

		err := f.orch.HandlePromotionFailure(ctx, failedPromote(true))
		var pf *failover.PromotionFailure
		require.ErrorAs(t, err, &pf)
		assert.True(t, pf.PointOfNoReturn)

		require.Len(t, f.events.events, 1)
		ev := f.events.events[0]
		assert.False(t, ev.Success)
		require.NotNil(t, ev.Detail)

		// No automated retry after the point of no return.
		assert.Empty(t, f.commands.byType(types.CommandTypeEmergencyRecover))
		assert.Empty(t, f.commands.byType(types.CommandTypePromoteReplica))
	})
}

func TestTerminateReplica(t *testing.T) {
	ctx := context.Background()
	instanceID := "i-replica"

	t.Run("marks terminated and enqueues instance release", func(t *testing.T) {
		replica := &types.ReplicaInstance{
			ID:         "rep_idle",
			AgentID:    "agt_1",
			PoolID:     "m5.large/us-east-1/us-east-1b",
			InstanceID: &instanceID,
			Status:     types.ReplicaStatusReady,
		}
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, replica)

		require.NoError(t, f.orch.TerminateReplica(ctx, "agt_1", replica, "idle past retention"))

		stored, err := f.replicas.GetByID(ctx, "rep_idle")
		require.NoError(t, err)
		assert.Equal(t, types.ReplicaStatusTerminated, stored.Status)

		terms := f.commands.byType(types.CommandTypeTerminateReplica)
		require.Len(t, terms, 1)
		assert.Equal(t, "i-replica", terms[0].Payload["instance_id"])
		assert.Equal(t, types.PriorityScheduled, terms[0].Priority)
	})

	t.Run("skips the release command when no instance was launched", func(t *testing.T) {
		replica := &types.ReplicaInstance{
			ID:      "rep_stub",
			AgentID: "agt_1",
			PoolID:  "m5.large/us-east-1/us-east-1b",
			Status:  types.ReplicaStatusLaunching,
		}
		f := newFixture(t, []*types.SpotPool{pool("us-east-1b", 0.0750)}, replica)

		require.NoError(t, f.orch.TerminateReplica(ctx, "agt_1", replica, "launch stuck"))
		assert.Empty(t, f.commands.byType(types.CommandTypeTerminateReplica))
	})
}
