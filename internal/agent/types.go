package agent

import "time"

// Capacity is the coarse sizing tier an agent advertises.
type Capacity string

const (
	CapacityLow    Capacity = "low"
	CapacityMedium Capacity = "medium"
	CapacityHigh   Capacity = "high"
)

// ParseCapacity maps a free-form tier name to a Capacity. Unknown values map to medium.
func ParseCapacity(s string) Capacity {
	switch Capacity(s) {
	case CapacityLow, CapacityMedium, CapacityHigh:
		return Capacity(s)
	default:
		return CapacityMedium
	}
}

// Health is the scheduling-relevant health of an agent.
type Health int

const (
	Healthy     Health = iota // Eligible for assignment
	Stressed                  // Resource metrics over threshold
	Unhealthy                 // Last probe failed, awaiting heal
	Deactivated               // Deregistered; terminal
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Stressed:
		return "stressed"
	case Unhealthy:
		return "unhealthy"
	case Deactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Capabilities is what an agent announces when it registers.
type Capabilities struct {
	Skills   []string
	Capacity Capacity
}

// Metrics is a resource sample for an agent, in percent.
type Metrics struct {
	CPU    float64
	Memory float64
}

// Performance is the historical track record of an agent.
type Performance struct {
	AgentID        string
	TasksCompleted int     // Finished tasks, successful or not
	TasksSucceeded int     // Subset of TasksCompleted that succeeded
	SuccessRate    float64 // TasksSucceeded / TasksCompleted
}

// Agent is a point-in-time copy of a registry record.
type Agent struct {
	ID          string
	Skills      []string
	Capacity    Capacity
	Workload    int
	Health      Health
	Metrics     Metrics
	Performance Performance
	Failures    int       // Consecutive probe failures
	LastCheck   time.Time // Last health probe
	LastUpdated time.Time // Last registration or metrics update
}

// HasSkill reports whether the agent advertises the given skill.
// An empty skill matches every agent.
func (a Agent) HasSkill(skill string) bool {
	if skill == "" {
		return true
	}
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// HealthStatus is the per-agent entry of a health snapshot.
type HealthStatus struct {
	IsHealthy bool
	Health    Health
	LastCheck time.Time
	Failures  int
}
