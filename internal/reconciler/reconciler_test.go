package reconciler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atharva0608/final-ml-sub000/internal/reconciler"
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

func (f *fakeAgents) ListManualMode(context.Context) ([]*types.Agent, error) {
	out := []*types.Agent{}
	for _, a := range f.agents {
		if a.ManualReplicaEnabled {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeAgents) MarkOffline(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fakeReplicas struct {
	active   map[string][]*types.ReplicaInstance
	stuck    []*types.ReplicaInstance
	idle     []*types.ReplicaInstance
	promoted []*types.ReplicaInstance
}

func (f *fakeReplicas) ListActiveByAgent(_ context.Context, agentID string) ([]*types.ReplicaInstance, error) {
	return f.active[agentID], nil
}

func (f *fakeReplicas) ListStuckSyncing(context.Context, time.Duration) ([]*types.ReplicaInstance, error) {
	return f.stuck, nil
}

func (f *fakeReplicas) ListIdleReady(context.Context, time.Duration) ([]*types.ReplicaInstance, error) {
	return f.idle, nil
}

func (f *fakeReplicas) ListPromotedSince(context.Context, time.Duration) ([]*types.ReplicaInstance, error) {
	return f.promoted, nil
}

type fakeCommands struct {
	stuck    []*types.Command
	reported []string
}

func (f *fakeCommands) ListStuckExecuting(context.Context, time.Duration) ([]*types.Command, error) {
	return f.stuck, nil
}

func (f *fakeCommands) Report(_ context.Context, id string, status types.CommandStatus, _ types.CommandPayload, _ *string) error {
	if status == types.CommandStatusFailed {
		f.reported = append(f.reported, id)
	}
	return nil
}

type fakeLocks struct{}

func (fakeLocks) CleanupExpired(context.Context) (int64, error) { return 0, nil }

type ensured struct {
	agentID     string
	replicaType types.ReplicaType
}

type fakeOrchestrator struct {
	mu         sync.Mutex
	ensured    []ensured
	terminated []string
}

func (f *fakeOrchestrator) EnsureReplica(_ context.Context, agent *types.Agent, rt types.ReplicaType, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, ensured{agentID: agent.ID, replicaType: rt})
	return nil
}

func (f *fakeOrchestrator) TerminateReplica(_ context.Context, _ string, replica *types.ReplicaInstance, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, replica.ID)
	return nil
}

func manualAgent(id string) *types.Agent {
	return &types.Agent{
		ID:                   id,
		LogicalID:            "workload-" + id,
		InstanceType:         "m5.large",
		Region:               "us-east-1",
		AvailabilityZone:     "us-east-1a",
		Mode:                 types.AgentModeSpot,
		Status:               types.AgentStatusOnline,
		ManualReplicaEnabled: true,
	}
}

func replica(id, agentID string, status types.ReplicaStatus, rt types.ReplicaType) *types.ReplicaInstance {
	return &types.ReplicaInstance{
		ID:      id,
		AgentID: agentID,
		Type:    rt,
		PoolID:  "m5.large/us-east-1/us-east-1b",
		Status:  status,
	}
}

func run(t *testing.T, agents *fakeAgents, replicas *fakeReplicas, commands *fakeCommands) *fakeOrchestrator {
	t.Helper()
	orch := &fakeOrchestrator{}
	r := reconciler.New(reconciler.DefaultConfig(), agents, replicas, commands, fakeLocks{}, orch)
	r.Run(context.Background())
	return orch
}

func TestReconcilerRun(t *testing.T) {
	t.Run("manual agent with no replica gets one", func(t *testing.T) {
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_1": manualAgent("agt_1")}}
		orch := run(t, agents, &fakeReplicas{active: map[string][]*types.ReplicaInstance{}}, &fakeCommands{})

		require.Len(t, orch.ensured, 1)
		assert.Equal(t, "agt_1", orch.ensured[0].agentID)
		assert.Equal(t, types.ReplicaTypeManual, orch.ensured[0].replicaType)
	})

	t.Run("surplus manual replicas are terminated keeping the newest", func(t *testing.T) {
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_1": manualAgent("agt_1")}}
		replicas := &fakeReplicas{active: map[string][]*types.ReplicaInstance{
			"agt_1": {
				replica("rep_new", "agt_1", types.ReplicaStatusReady, types.ReplicaTypeManual),
				replica("rep_old", "agt_1", types.ReplicaStatusReady, types.ReplicaTypeManual),
				replica("rep_older", "agt_1", types.ReplicaStatusSyncing, types.ReplicaTypeManual),
			},
		}}
		orch := run(t, agents, replicas, &fakeCommands{})

		assert.Empty(t, orch.ensured)
		assert.ElementsMatch(t, []string{"rep_old", "rep_older"}, orch.terminated)
	})

	t.Run("converged manual agent is left alone", func(t *testing.T) {
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_1": manualAgent("agt_1")}}
		replicas := &fakeReplicas{active: map[string][]*types.ReplicaInstance{
			"agt_1": {replica("rep_1", "agt_1", types.ReplicaStatusReady, types.ReplicaTypeManual)},
		}}
		orch := run(t, agents, replicas, &fakeCommands{})

		assert.Empty(t, orch.ensured)
		assert.Empty(t, orch.terminated)
	})

	t.Run("promoted manual replica gets a successor", func(t *testing.T) {
		agent := manualAgent("agt_1")
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_1": agent}}
		replicas := &fakeReplicas{
			active: map[string][]*types.ReplicaInstance{
				// The promoted replica is no longer standby capacity, so
				// convergence also sees zero active.
				"agt_1": {},
			},
			promoted: []*types.ReplicaInstance{
				replica("rep_promoted", "agt_1", types.ReplicaStatusPromoted, types.ReplicaTypeManual),
			},
		}
		orch := run(t, agents, replicas, &fakeCommands{})

		require.NotEmpty(t, orch.ensured)
		assert.Equal(t, "agt_1", orch.ensured[0].agentID)
	})

	t.Run("promotion for an automatic agent gets no successor", func(t *testing.T) {
		auto := manualAgent("agt_2")
		auto.ManualReplicaEnabled = false
		auto.AutoSwitchEnabled = true
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_2": auto}}
		replicas := &fakeReplicas{
			active: map[string][]*types.ReplicaInstance{},
			promoted: []*types.ReplicaInstance{
				replica("rep_promoted", "agt_2", types.ReplicaStatusPromoted, types.ReplicaTypeAutoTermination),
			},
		}
		orch := run(t, agents, replicas, &fakeCommands{})

		assert.Empty(t, orch.ensured)
	})

	t.Run("stale syncing replica is reaped and replaced", func(t *testing.T) {
		agent := manualAgent("agt_1")
		agent.ManualReplicaEnabled = false
		agent.AutoSwitchEnabled = true
		agents := &fakeAgents{agents: map[string]*types.Agent{"agt_1": agent}}
		replicas := &fakeReplicas{
			active: map[string][]*types.ReplicaInstance{},
			stuck: []*types.ReplicaInstance{
				replica("rep_stuck", "agt_1", types.ReplicaStatusSyncing, types.ReplicaTypeAutoRebalance),
			},
		}
		orch := run(t, agents, replicas, &fakeCommands{})

		assert.Equal(t, []string{"rep_stuck"}, orch.terminated)
		require.Len(t, orch.ensured, 1)
		assert.Equal(t, types.ReplicaTypeAutoRebalance, orch.ensured[0].replicaType)
	})

	t.Run("idle emergency replicas are retired", func(t *testing.T) {
		agents := &fakeAgents{agents: map[string]*types.Agent{}}
		replicas := &fakeReplicas{
			active: map[string][]*types.ReplicaInstance{},
			idle: []*types.ReplicaInstance{
				replica("rep_idle_1", "agt_1", types.ReplicaStatusReady, types.ReplicaTypeAutoRebalance),
				replica("rep_idle_2", "agt_2", types.ReplicaStatusReady, types.ReplicaTypeAutoTermination),
			},
		}
		orch := run(t, agents, replicas, &fakeCommands{})

		assert.ElementsMatch(t, []string{"rep_idle_1", "rep_idle_2"}, orch.terminated)
	})

	t.Run("stuck executing commands are failed", func(t *testing.T) {
		agents := &fakeAgents{agents: map[string]*types.Agent{}}
		commands := &fakeCommands{stuck: []*types.Command{
			{ID: "cmd_stuck", AgentID: "agt_1", CommandType: types.CommandTypeLaunchReplica, Status: types.CommandStatusExecuting},
		}}
		run(t, agents, &fakeReplicas{active: map[string][]*types.ReplicaInstance{}}, commands)

		assert.Equal(t, []string{"cmd_stuck"}, commands.reported)
	})
}
