package core

// JoinPolicy defines how a join combines updates from its input slots
type JoinPolicy string

const (
	// JoinPolicyLatest keeps the most recent value per slot and emits on every
	// update once all slots have been seen at least once
	JoinPolicyLatest JoinPolicy = "latest"
)

// JoinConfig configures a join stage
type JoinConfig struct {
	// Inputs is the number of slots to merge
	Inputs int

	// Policy selects the merge behaviour. Empty means JoinPolicyLatest.
	Policy JoinPolicy
}
