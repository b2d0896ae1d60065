package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeControl is a deterministic InstanceControl for tests and local
// runs. Pools listed in NoCapacityPools fail launches with
// ErrInsufficientCapacity; everything else succeeds instantly.
type FakeControl struct {
	mu sync.Mutex

	// NoCapacityPools maps "instanceType/az" to a number of launch
	// failures to script before the pool recovers. -1 never recovers.
	NoCapacityPools map[string]int

	// FailPromotions scripts promotion failures; PastPointOfNoReturn
	// controls which side of the line they land on.
	FailPromotions      bool
	PastPointOfNoReturn bool

	// SpotPrices is returned from SpotPriceHistory, filtered by pool
	// and time
	SpotPrices []SpotPrice

	seq        int
	Launched   []LaunchRequest
	Promoted   []PromoteRequest
	Recovered  []RelaunchRequest
	Terminated []string
}

// NewFakeControl creates a fake controller with no scripted failures
func NewFakeControl() *FakeControl {
	return &FakeControl{NoCapacityPools: map[string]int{}}
}

func (f *FakeControl) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%08d", prefix, f.seq)
}

func (f *FakeControl) LaunchReplica(_ context.Context, req LaunchRequest) (*LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := req.InstanceType + "/" + req.AvailabilityZone
	if remaining, ok := f.NoCapacityPools[key]; ok && remaining != 0 {
		if remaining > 0 {
			f.NoCapacityPools[key] = remaining - 1
		}
		return nil, fmt.Errorf("launch replica in %s: %w", key, ErrInsufficientCapacity)
	}

	f.Launched = append(f.Launched, req)
	return &LaunchResult{
		InstanceID: f.nextID("i-fake"),
		LaunchedAt: time.Now(),
	}, nil
}

func (f *FakeControl) Promote(_ context.Context, req PromoteRequest) (*PromoteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailPromotions {
		return &PromoteResult{PointOfNoReturn: f.PastPointOfNoReturn},
			fmt.Errorf("promote replica %s: scripted failure", req.ReplicaInstanceID)
	}

	f.Promoted = append(f.Promoted, req)
	return &PromoteResult{
		PointOfNoReturn: true,
		PromotedAt:      time.Now(),
	}, nil
}

func (f *FakeControl) SnapshotAndRelaunch(_ context.Context, req RelaunchRequest) (*RelaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Recovered = append(f.Recovered, req)
	return &RelaunchResult{
		InstanceID:  f.nextID("i-fake"),
		SnapshotID:  f.nextID("ami-fake"),
		RecoveredAt: time.Now(),
	}, nil
}

func (f *FakeControl) SpotPriceHistory(_ context.Context, instanceType, az string, since time.Time) ([]SpotPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var prices []SpotPrice
	for _, sp := range f.SpotPrices {
		if sp.InstanceType == instanceType && sp.AvailabilityZone == az && !sp.Timestamp.Before(since) {
			prices = append(prices, sp)
		}
	}
	return prices, nil
}

func (f *FakeControl) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Terminated = append(f.Terminated, instanceID)
	return nil
}
