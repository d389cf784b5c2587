package config

// Strategy selects how the coordinator picks an agent for a task
type Strategy string

const (
	// StrategyRoundRobin picks the candidate with the fewest completed tasks
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded picks the lowest load/maxLoad ratio
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyPriorityBased picks the highest agent priority
	StrategyPriorityBased Strategy = "priority-based"
	// StrategyCapabilityWeighted scores matching and surplus capabilities
	StrategyCapabilityWeighted Strategy = "capability-weighted"
	// StrategyDynamic blends load, priority, reliability, speed, and fit
	StrategyDynamic Strategy = "dynamic"
)

// IsValid checks if the strategy is valid
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyPriorityBased,
		StrategyCapabilityWeighted, StrategyDynamic:
		return true
	default:
		return false
	}
}

// ConflictPolicy decides what a rollback does when live state diverged
// from the snapshot it is restoring.
type ConflictPolicy string

const (
	// ConflictPolicyAbort fails the operation, reporting every conflict
	ConflictPolicyAbort ConflictPolicy = "abort"
	// ConflictPolicySkip logs conflicting changes and applies the rest
	ConflictPolicySkip ConflictPolicy = "skip"
	// ConflictPolicyOverwrite prefers the rollback value unconditionally
	ConflictPolicyOverwrite ConflictPolicy = "overwrite"
	// ConflictPolicyMerge asks the conflict resolver for a smart merge
	ConflictPolicyMerge ConflictPolicy = "merge"
	// ConflictPolicyAskUser defers to an injected resolver callback
	ConflictPolicyAskUser ConflictPolicy = "ask_user"
)

// IsValid checks if the conflict policy is valid
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case ConflictPolicyAbort, ConflictPolicySkip, ConflictPolicyOverwrite,
		ConflictPolicyMerge, ConflictPolicyAskUser:
		return true
	default:
		return false
	}
}
