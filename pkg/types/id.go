package types

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// GenerateAgentID generates a unique agent ID with prefix
func GenerateAgentID() string {
	return fmt.Sprintf("agt_%s", ksuid.New().String())
}

// GenerateReplicaID generates a unique replica ID with prefix
func GenerateReplicaID() string {
	return fmt.Sprintf("rep_%s", ksuid.New().String())
}

// GenerateCommandID generates a unique command ID with prefix
func GenerateCommandID() string {
	return fmt.Sprintf("cmd_%s", ksuid.New().String())
}

// GenerateEventID generates a unique interruption event ID with prefix
func GenerateEventID() string {
	return fmt.Sprintf("evt_%s", ksuid.New().String())
}

// GenerateID generates a generic unique ID
func GenerateID() string {
	return ksuid.New().String()
}
