package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
}

// TaskEvent is an event about a single task.
type TaskEvent interface {
	Event
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicWave  = "wave"
	TopicBatch = "batch"
	TopicAgent = "agent"
)

// Event type constants
const (
	EventTypeTaskReady     = "task.ready"
	EventTypeTaskAssigned  = "task.assigned"
	EventTypeTaskDeferred  = "task.deferred"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeWaveCompleted = "wave.completed"
	EventTypeBatchProgress = "batch.progress"
	EventTypeAgentHealth   = "agent.health"
)

// TaskReadyEvent is published when every dependency of a task has completed
// and the task joins the current wave.
type TaskReadyEvent struct {
	ID        string
	Wave      int
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) Topic() string     { return TopicTask }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// TaskAssignedEvent is published when the balancer hands a task to an agent.
type TaskAssignedEvent struct {
	ID         string
	AgentID    string
	Score      float64
	Confidence float64
	Reasoning  string
	Timestamp  time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) Topic() string     { return TopicTask }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }

// TaskDeferredEvent is published when a ready task found no eligible agent
// and waits for the next wave.
type TaskDeferredEvent struct {
	ID        string
	Wave      int
	Timestamp time.Time
}

func (e TaskDeferredEvent) EventType() string { return EventTypeTaskDeferred }
func (e TaskDeferredEvent) Topic() string     { return TopicTask }
func (e TaskDeferredEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	AgentID   string
	Wave      int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails, including tasks failed
// because a dependency failed (AgentID is empty for those).
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// WaveCompletedEvent is published after the barrier of each wave.
type WaveCompletedEvent struct {
	Wave      int
	Started   int
	Deferred  int
	Completed int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) Topic() string     { return TopicWave }

// BatchProgressEvent is published when batch progress changes.
type BatchProgressEvent struct {
	BatchID   string
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e BatchProgressEvent) EventType() string { return EventTypeBatchProgress }
func (e BatchProgressEvent) Topic() string     { return TopicBatch }

// AgentHealthEvent is published by the health monitor after a probe failure
// and again once the agent has been healed.
type AgentHealthEvent struct {
	AgentID   string
	Healthy   bool
	Failures  int
	Healed    bool
	Err       error
	Timestamp time.Time
}

func (e AgentHealthEvent) EventType() string { return EventTypeAgentHealth }
func (e AgentHealthEvent) Topic() string     { return TopicAgent }
