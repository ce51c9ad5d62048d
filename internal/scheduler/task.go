package scheduler

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies or an agent
	TaskReady                       // All dependencies completed
	TaskRunning                     // Assigned and executing
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Complexity is the decomposer's estimate of how demanding a task is.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Spec is a task as handed over by the external decomposer.
// Dependencies may reference other specs by ID or by name.
type Spec struct {
	ID                   string     `yaml:"id,omitempty" json:"id,omitempty"`
	Name                 string     `yaml:"name" json:"name"`
	Description          string     `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredSkill        string     `yaml:"required_skill,omitempty" json:"required_skill,omitempty"`
	RequiredTechnologies []string   `yaml:"required_technologies,omitempty" json:"required_technologies,omitempty"`
	Complexity           Complexity `yaml:"complexity,omitempty" json:"complexity,omitempty"`
	Dependencies         []string   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Task represents a unit of work in the DAG.
type Task struct {
	ID                   string   // Unique identifier
	Name                 string   // Human-readable name
	Description          string   // Free text from the decomposer
	RequiredSkill        string   // Skill an agent must advertise (empty = any)
	RequiredTechnologies []string // Used for selector scoring
	Complexity           Complexity
	DependsOn            []string // Task IDs this task depends on
	Status               TaskStatus
	AgentID              string // Agent that ran the task
	Result               string // Output from execution (populated after completion)
	Error                error  // Error if failed
}
