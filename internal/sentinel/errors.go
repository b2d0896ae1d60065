package sentinel

import (
	"fmt"
	"time"

	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// DuplicateSignalError reports that an identical (agent, signal type)
// occurrence arrived inside the dedup window. Non-fatal: the first
// occurrence is already being handled.
type DuplicateSignalError struct {
	AgentID    string
	SignalType types.SignalType
	FirstSeen  time.Time
}

func (e *DuplicateSignalError) Error() string {
	return fmt.Sprintf("duplicate %s signal for agent %s, first seen %s",
		e.SignalType, e.AgentID, e.FirstSeen.Format(time.RFC3339))
}
