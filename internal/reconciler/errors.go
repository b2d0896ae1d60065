package reconciler

import (
	"fmt"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// StaleReplicaError reports a replica that stopped making sync progress.
// Non-fatal: the reconciler reaps it and provisions a replacement.
type StaleReplicaError struct {
	ReplicaID string
	AgentID   string
	Status    types.ReplicaStatus
}

func (e *StaleReplicaError) Error() string {
	return fmt.Sprintf("replica %s for agent %s stalled in %s", e.ReplicaID, e.AgentID, e.Status)
}
