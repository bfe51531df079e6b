package filecache

// Priority orders reads competing for the read slots
type Priority int

const (
	PriorityLow Priority = iota
	PriorityBelowNormal
	PriorityNormal
	PriorityHigh
	// PriorityCritical reads bypass the read slot limit
	PriorityCritical
)

// Engine priority range for streaming requests
const (
	EngineMinPriority     int8 = 0
	EngineDefaultPriority int8 = 50
	EngineMaxPriority     int8 = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityBelowNormal:
		return "below-normal"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PriorityFromEngine maps an engine streaming priority to a read priority.
// Audio reads are ranked one step above ordinary file IO.
func PriorityFromEngine(p int8) Priority {
	switch {
	case p == EngineDefaultPriority:
		return PriorityHigh
	case p <= EngineMinPriority:
		return PriorityBelowNormal
	case p >= EngineMaxPriority:
		return PriorityCritical
	case p < EngineDefaultPriority:
		return PriorityNormal
	default:
		return PriorityCritical
	}
}
