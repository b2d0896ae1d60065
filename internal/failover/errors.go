package failover

import "fmt"

// CapacityError reports that a target pool had no spot capacity for a
// replica launch. The orchestrator reroutes to the next cheapest pool.
type CapacityError struct {
	PoolID string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no capacity in pool %s", e.PoolID)
}

// PromotionFailure reports a failed replica promotion. Before the point
// of no return the old primary is still serving and the failover can be
// retried; after it the failure needs an operator.
type PromotionFailure struct {
	CommandID       string
	ReplicaID       string
	PointOfNoReturn bool
	Reason          string
}

func (e *PromotionFailure) Error() string {
	phase := "before point of no return"
	if e.PointOfNoReturn {
		phase = "after point of no return"
	}
	return fmt.Sprintf("promotion of replica %s failed %s: %s", e.ReplicaID, phase, e.Reason)
}
