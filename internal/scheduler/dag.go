package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
)

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Insertion order, for deterministic waves
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Build turns a resolved batch into a DAG. A spec without an ID takes its
// name as ID when that name is unique in the batch, otherwise a generated one;
// dependency references are matched by ID first, then by name
// (case-insensitive). A reference to a task outside the batch is an
// unresolvable dependency.
func Build(specs []Spec) (*DAG, error) {
	ids := assignIDs(specs)
	byID := make(map[string]bool, len(specs))
	byName := make(map[string]string, len(specs))
	names := make(map[string]string, len(specs))
	for i, s := range specs {
		id := ids[i]
		byID[id] = true
		names[id] = s.Name
		key := strings.ToLower(s.Name)
		if _, ok := byName[key]; !ok && key != "" {
			byName[key] = id
		}
	}

	dag := NewDAG()
	var dangling []string
	for i, s := range specs {
		deps := make([]string, 0, len(s.Dependencies))
		seen := make(map[string]bool)
		for _, ref := range s.Dependencies {
			depID, ok := ref, byID[ref]
			if !ok {
				depID, ok = byName[strings.ToLower(ref)]
			}
			if !ok {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", ids[i], ref))
				continue
			}
			if !seen[depID] {
				seen[depID] = true
				deps = append(deps, depID)
			}
		}

		task := &Task{
			ID:                   ids[i],
			Name:                 s.Name,
			Description:          s.Description,
			RequiredSkill:        s.RequiredSkill,
			RequiredTechnologies: append([]string(nil), s.RequiredTechnologies...),
			Complexity:           s.Complexity,
			DependsOn:            deps,
			Status:               TaskPending,
		}
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}

	if len(dangling) > 0 {
		stuck := make([]string, 0, len(dangling))
		for _, d := range dangling {
			stuck = append(stuck, strings.SplitN(d, " -> ", 2)[0])
		}
		stuck = uniqueSorted(stuck)
		return nil, &UnresolvableError{
			TaskIDs: stuck,
			Names:   namesFor(stuck, names),
			Detail:  "unknown dependencies: " + strings.Join(dangling, ", "),
		}
	}

	return dag, nil
}

// assignIDs keeps explicit IDs and falls back to the task name, then to a
// UUID when the name is empty, repeated, or clashes with another ID.
func assignIDs(specs []Spec) []string {
	taken := make(map[string]bool, len(specs))
	nameCount := make(map[string]int, len(specs))
	for _, s := range specs {
		if s.ID != "" {
			taken[s.ID] = true
		}
		nameCount[strings.ToLower(s.Name)]++
	}

	ids := make([]string, len(specs))
	for i, s := range specs {
		switch {
		case s.ID != "":
			ids[i] = s.ID
		case s.Name != "" && nameCount[strings.ToLower(s.Name)] == 1 && !taken[s.Name]:
			ids[i] = s.Name
		default:
			ids[i] = uuid.NewString()
		}
		taken[ids[i]] = true
	}
	return ids
}

func namesFor(ids []string, names map[string]string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = names[id]
	}
	return out
}

// AddTask adds a task to the DAG. Returns error if task ID already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	d.tasks[task.ID] = task
	d.order = append(d.order, task.ID)

	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs, or an *UnresolvableError naming every task that can
// never become ready (cycle members and tasks downstream of a cycle or of a
// missing dependency).
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, taskID := range d.order {
		for _, depID := range d.tasks[taskID].DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, &UnresolvableError{
					TaskIDs: []string{taskID},
					Names:   []string{d.tasks[taskID].Name},
					Detail:  fmt.Sprintf("task %q depends on non-existent task %q", taskID, depID),
				}
			}
		}
	}

	var edges []toposort.Edge
	for _, taskID := range d.order {
		task := d.tasks[taskID]
		if len(task.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		stuck := d.stuckLocked()
		return nil, &UnresolvableError{TaskIDs: stuck, Names: d.namesLocked(stuck), Detail: err.Error()}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		stuck := d.stuckLocked()
		return nil, &UnresolvableError{TaskIDs: stuck, Names: d.namesLocked(stuck), Detail: "topological sort lost tasks"}
	}

	return order, nil
}

// stuckLocked peels tasks whose dependencies can all be satisfied and returns
// the remainder, sorted.
func (d *DAG) stuckLocked() []string {
	done := make(map[string]bool, len(d.tasks))
	for progress := true; progress; {
		progress = false
		for _, id := range d.order {
			if done[id] {
				continue
			}
			ok := true
			for _, dep := range d.tasks[id].DependsOn {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				done[id] = true
				progress = true
			}
		}
	}

	var stuck []string
	for _, id := range d.order {
		if !done[id] {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// Waves returns the wavefront layout of the DAG assuming every task succeeds.
func (d *DAG) Waves() ([][]string, error) {
	if _, err := d.Validate(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	done := make(map[string]bool, len(d.tasks))
	var waves [][]string
	for len(done) < len(d.tasks) {
		var wave []string
		for _, id := range d.order {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range d.tasks[id].DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		for _, id := range wave {
			done[id] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// Ready returns pending tasks whose dependencies have all completed, in
// insertion order.
func (d *DAG) Ready() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ready := []*Task{}
	for _, id := range d.order {
		task := d.tasks[id]
		if task.Status != TaskPending {
			continue
		}

		allCompleted := true
		for _, depID := range task.DependsOn {
			dep, exists := d.tasks[depID]
			if !exists || dep.Status != TaskCompleted {
				allCompleted = false
				break
			}
		}

		if allCompleted {
			ready = append(ready, cloneTask(task))
		}
	}

	return ready
}

// FailBlocked fails every pending task that transitively depends on a failed
// task and returns their IDs.
func (d *DAG) FailBlocked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var failed []string
	for progress := true; progress; {
		progress = false
		for _, id := range d.order {
			task := d.tasks[id]
			if task.Status != TaskPending {
				continue
			}
			for _, depID := range task.DependsOn {
				dep, ok := d.tasks[depID]
				if ok && dep.Status == TaskFailed {
					task.Status = TaskFailed
					task.Error = fmt.Errorf("%w: %s", ErrDependencyFailed, depID)
					failed = append(failed, id)
					progress = true
					break
				}
			}
		}
	}
	return failed
}

// PendingIDs returns the IDs of tasks not yet started, sorted.
func (d *DAG) PendingIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, id := range d.order {
		if s := d.tasks[id].Status; s == TaskPending || s == TaskReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Names returns the task names for ids, in the same order. Unknown IDs map to
// an empty name.
func (d *DAG) Names(ids []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.namesLocked(ids)
}

func (d *DAG) namesLocked(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if task, ok := d.tasks[id]; ok {
			out[i] = task.Name
		}
	}
	return out
}

// Counts returns the number of tasks per status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// MarkReady moves a pending task to TaskReady.
func (d *DAG) MarkReady(taskID string) error {
	return d.transition(taskID, TaskPending, TaskReady)
}

// ResetPending returns a ready task to TaskPending, e.g. when no agent was available.
func (d *DAG) ResetPending(taskID string) error {
	return d.transition(taskID, TaskReady, TaskPending)
}

// MarkRunning moves a ready task to TaskRunning and records the agent.
func (d *DAG) MarkRunning(taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != TaskReady {
		return fmt.Errorf("task %q cannot start from status %s", taskID, task.Status)
	}

	task.Status = TaskRunning
	task.AgentID = agentID
	return nil
}

// MarkCompleted sets task status to TaskCompleted and stores result.
func (d *DAG) MarkCompleted(taskID string, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskCompleted
	task.Result = result
	return nil
}

// MarkFailed sets task status to TaskFailed and stores error.
func (d *DAG) MarkFailed(taskID string, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskFailed
	task.Error = err
	return nil
}

func (d *DAG) transition(taskID string, from, to TaskStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != from {
		return fmt.Errorf("task %q is %s, expected %s", taskID, task.Status, from)
	}
	task.Status = to
	return nil
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks in insertion order.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.order))
	for _, id := range d.order {
		tasks = append(tasks, cloneTask(d.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.RequiredTechnologies != nil {
		cp.RequiredTechnologies = append([]string(nil), task.RequiredTechnologies...)
	}
	return &cp
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
