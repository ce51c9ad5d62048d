package scheduler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []*Task
		wantErr   bool
		wantStuck []string
	}{
		{
			name: "valid linear chain",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
		},
		{
			name: "valid parallel tasks",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A", "B"}},
			},
		},
		{
			name:  "single task no deps",
			tasks: []*Task{{ID: "A"}},
		},
		{
			name: "direct cycle",
			tasks: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr:   true,
			wantStuck: []string{"A", "B"},
		},
		{
			name: "transitive cycle with downstream task",
			tasks: []*Task{
				{ID: "root"},
				{ID: "A", DependsOn: []string{"B", "root"}},
				{ID: "B", DependsOn: []string{"C"}},
				{ID: "C", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"C"}},
			},
			wantErr:   true,
			wantStuck: []string{"A", "B", "C", "D"},
		},
		{
			name:      "self-loop",
			tasks:     []*Task{{ID: "A", DependsOn: []string{"A"}}},
			wantErr:   true,
			wantStuck: []string{"A"},
		},
		{
			name:      "missing dependency",
			tasks:     []*Task{{ID: "A", DependsOn: []string{"nonexistent"}}},
			wantErr:   true,
			wantStuck: []string{"A"},
		},
		{
			name: "disconnected components",
			tasks: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C"},
				{ID: "D", DependsOn: []string{"C"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			for _, task := range tt.tasks {
				if err := dag.AddTask(task); err != nil {
					t.Fatalf("AddTask(%s): %v", task.ID, err)
				}
			}

			order, err := dag.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}

			if err != nil {
				if !errors.Is(err, ErrUnresolvable) {
					t.Errorf("error %v should wrap ErrUnresolvable", err)
				}
				var ue *UnresolvableError
				if !errors.As(err, &ue) {
					t.Fatalf("error %T is not *UnresolvableError", err)
				}
				if !reflect.DeepEqual(ue.TaskIDs, tt.wantStuck) {
					t.Errorf("stuck tasks = %v, want %v", ue.TaskIDs, tt.wantStuck)
				}
				return
			}

			if len(order) != len(tt.tasks) {
				t.Fatalf("order has %d tasks, want %d: %v", len(order), len(tt.tasks), order)
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for _, task := range tt.tasks {
				for _, dep := range task.DependsOn {
					if pos[dep] > pos[task.ID] {
						t.Errorf("%s ordered before its dependency %s", task.ID, dep)
					}
				}
			}
		})
	}
}

func TestDAGAddTaskDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Task{ID: "A"}); err != nil {
		t.Fatalf("first AddTask: %v", err)
	}
	if err := dag.AddTask(&Task{ID: "A"}); err == nil {
		t.Fatal("expected error when adding duplicate task ID")
	}
	if dag.Len() != 1 {
		t.Errorf("Len() = %d, want 1", dag.Len())
	}
}

func TestBuild(t *testing.T) {
	t.Run("resolves names and ids", func(t *testing.T) {
		dag, err := Build([]Spec{
			{ID: "a", Name: "Set up React project"},
			{ID: "b", Name: "Implement authentication UI", Dependencies: []string{"set up react project"}},
			{ID: "c", Name: "Docs", Dependencies: []string{"a", "b", "A"}},
		})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}

		b, _ := dag.Get("b")
		if !reflect.DeepEqual(b.DependsOn, []string{"a"}) {
			t.Errorf("b.DependsOn = %v, want [a]", b.DependsOn)
		}
		c, _ := dag.Get("c")
		if !reflect.DeepEqual(c.DependsOn, []string{"a", "b"}) {
			t.Errorf("c.DependsOn = %v, want [a b]", c.DependsOn)
		}
		if b.Status != TaskPending {
			t.Errorf("status = %s, want pending", b.Status)
		}
	})

	t.Run("missing ids default to names", func(t *testing.T) {
		dag, err := Build([]Spec{{Name: "one"}, {Name: "two", Dependencies: []string{"one"}}})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		tasks := dag.Tasks()
		if tasks[0].ID != "one" || tasks[1].ID != "two" {
			t.Fatalf("IDs = %q, %q, want one, two", tasks[0].ID, tasks[1].ID)
		}
		if !reflect.DeepEqual(tasks[1].DependsOn, []string{"one"}) {
			t.Errorf("two.DependsOn = %v, want [one]", tasks[1].DependsOn)
		}
	})

	t.Run("repeated or taken names get generated ids", func(t *testing.T) {
		dag, err := Build([]Spec{
			{Name: "lint"},
			{Name: "Lint"},
			{ID: "docs", Name: "write docs"},
			{Name: "docs"},
		})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		tasks := dag.Tasks()
		seen := make(map[string]bool)
		for _, task := range tasks {
			if task.ID == "" || seen[task.ID] {
				t.Fatalf("expected distinct non-empty IDs, got %q", task.ID)
			}
			seen[task.ID] = true
		}
		if tasks[0].ID == "lint" || tasks[1].ID == "Lint" {
			t.Errorf("repeated name used as ID: %q, %q", tasks[0].ID, tasks[1].ID)
		}
		if tasks[2].ID != "docs" || tasks[3].ID == "docs" {
			t.Errorf("explicit ID lost or reused: %q, %q", tasks[2].ID, tasks[3].ID)
		}
	})

	t.Run("cycle between named tasks names them", func(t *testing.T) {
		dag, err := Build([]Spec{
			{Name: "A", Dependencies: []string{"B"}},
			{Name: "B", Dependencies: []string{"A"}},
		})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		_, err = dag.Validate()
		var ue *UnresolvableError
		if !errors.As(err, &ue) {
			t.Fatalf("Validate() error = %v, want *UnresolvableError", err)
		}
		if !reflect.DeepEqual(ue.TaskIDs, []string{"A", "B"}) {
			t.Errorf("TaskIDs = %v, want [A B]", ue.TaskIDs)
		}
	})

	t.Run("error shows names next to generated ids", func(t *testing.T) {
		_, err := Build([]Spec{
			{Name: "deploy", Dependencies: []string{"ghost"}},
			{Name: "deploy"},
		})
		var ue *UnresolvableError
		if !errors.As(err, &ue) {
			t.Fatalf("Build() error = %v, want *UnresolvableError", err)
		}
		if len(ue.TaskIDs) != 1 || !reflect.DeepEqual(ue.Names, []string{"deploy"}) {
			t.Fatalf("TaskIDs = %v, Names = %v", ue.TaskIDs, ue.Names)
		}
		want := ue.TaskIDs[0] + " (deploy)"
		if !strings.Contains(ue.Error(), want) {
			t.Errorf("error %q should contain %q", ue.Error(), want)
		}
	})

	t.Run("dangling reference is unresolvable", func(t *testing.T) {
		_, err := Build([]Spec{{ID: "a", Name: "A", Dependencies: []string{"ghost"}}})
		var ue *UnresolvableError
		if !errors.As(err, &ue) {
			t.Fatalf("Build() error = %v, want *UnresolvableError", err)
		}
		if !reflect.DeepEqual(ue.TaskIDs, []string{"a"}) {
			t.Errorf("TaskIDs = %v, want [a]", ue.TaskIDs)
		}
		if !strings.Contains(ue.Error(), "ghost") {
			t.Errorf("error %q should name the missing reference", ue.Error())
		}
	})

	t.Run("duplicate ids", func(t *testing.T) {
		if _, err := Build([]Spec{{ID: "a", Name: "x"}, {ID: "a", Name: "y"}}); err == nil {
			t.Fatal("expected duplicate ID error")
		}
	})
}

// TestDAGReady tests dependency resolution and task readiness.
func TestDAGReady(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*DAG)
		want  []string
	}{
		{
			name: "no dependencies, all ready in insertion order",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "C"})
				d.AddTask(&Task{ID: "A"})
				d.AddTask(&Task{ID: "B"})
			},
			want: []string{"C", "A", "B"},
		},
		{
			name: "linear chain, only root ready",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "A"})
				d.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
			},
			want: []string{"A"},
		},
		{
			name: "completed dependency unlocks dependents",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "A"})
				d.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				d.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})
				d.MarkCompleted("A", "ok")
			},
			want: []string{"B", "C"},
		},
		{
			name: "failed dependency does not unlock",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "A"})
				d.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				d.MarkFailed("A", errors.New("boom"))
			},
			want: nil,
		},
		{
			name: "running task is not ready",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "A"})
				d.MarkReady("A")
				d.MarkRunning("A", "agent-1")
			},
			want: nil,
		},
		{
			name: "diamond waits for both parents",
			setup: func(d *DAG) {
				d.AddTask(&Task{ID: "A"})
				d.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
				d.AddTask(&Task{ID: "C", DependsOn: []string{"A"}})
				d.AddTask(&Task{ID: "D", DependsOn: []string{"B", "C"}})
				d.MarkCompleted("A", "")
				d.MarkCompleted("B", "")
			},
			want: []string{"C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			tt.setup(dag)

			var got []string
			for _, task := range dag.Ready() {
				got = append(got, task.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDAGWaves(t *testing.T) {
	dag, err := Build([]Spec{
		{ID: "A", Name: "A"},
		{ID: "B", Name: "B", Dependencies: []string{"A"}},
		{ID: "C", Name: "C", Dependencies: []string{"A"}},
		{ID: "D", Name: "D", Dependencies: []string{"B", "C"}},
		{ID: "E", Name: "E"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	waves, err := dag.Waves()
	if err != nil {
		t.Fatalf("Waves() error = %v", err)
	}
	want := [][]string{{"A", "E"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(waves, want) {
		t.Errorf("Waves() = %v, want %v", waves, want)
	}

	cyclic := NewDAG()
	cyclic.AddTask(&Task{ID: "A", DependsOn: []string{"B"}})
	cyclic.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
	if _, err := cyclic.Waves(); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("Waves() on cycle error = %v, want ErrUnresolvable", err)
	}
}

func TestDAGFailBlocked(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A"})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})
	dag.AddTask(&Task{ID: "C", DependsOn: []string{"B"}})
	dag.AddTask(&Task{ID: "D"})
	dag.MarkFailed("A", errors.New("boom"))

	failed := dag.FailBlocked()
	if !reflect.DeepEqual(failed, []string{"B", "C"}) {
		t.Fatalf("FailBlocked() = %v, want [B C]", failed)
	}

	c, _ := dag.Get("C")
	if c.Status != TaskFailed || !errors.Is(c.Error, ErrDependencyFailed) {
		t.Errorf("C = %s/%v, want failed with ErrDependencyFailed", c.Status, c.Error)
	}
	d, _ := dag.Get("D")
	if d.Status != TaskPending {
		t.Errorf("unrelated task D = %s, want pending", d.Status)
	}
	if got := dag.FailBlocked(); len(got) != 0 {
		t.Errorf("second FailBlocked() = %v, want none", got)
	}
}

// TestDAGMarkTransitions tests the status transitions.
func TestDAGMarkTransitions(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A"})

	if err := dag.ResetPending("A"); err == nil {
		t.Error("ResetPending on pending task should fail")
	}
	if err := dag.MarkReady("A"); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := dag.ResetPending("A"); err != nil {
		t.Fatalf("ResetPending: %v", err)
	}
	if err := dag.MarkReady("A"); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := dag.MarkRunning("A", "agent-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := dag.MarkRunning("A", "agent-2"); err == nil {
		t.Error("MarkRunning on running task should fail")
	}
	if err := dag.MarkCompleted("A", "done"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	a, _ := dag.Get("A")
	if a.Status != TaskCompleted || a.AgentID != "agent-1" || a.Result != "done" {
		t.Errorf("A = %+v", a)
	}

	for name, fn := range map[string]func() error{
		"MarkReady":     func() error { return dag.MarkReady("missing") },
		"MarkRunning":   func() error { return dag.MarkRunning("missing", "x") },
		"MarkCompleted": func() error { return dag.MarkCompleted("missing", "") },
		"MarkFailed":    func() error { return dag.MarkFailed("missing", nil) },
	} {
		if err := fn(); err == nil {
			t.Errorf("%s on unknown task should fail", name)
		}
	}
}

func TestDAGNames(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "a", Name: "alpha"})
	dag.AddTask(&Task{ID: "b", Name: "beta"})

	got := dag.Names([]string{"b", "missing", "a"})
	if want := []string{"beta", "", "alpha"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestFormatTasks(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		names []string
		want  string
	}{
		{"ids only", []string{"a", "b"}, nil, "a, b"},
		{"name equals id", []string{"A"}, []string{"A"}, "A"},
		{"name differs", []string{"t1", "t2"}, []string{"build", ""}, "t1 (build), t2"},
		{"short names", []string{"x", "y"}, []string{"ex"}, "x (ex), y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTasks(tt.ids, tt.names); got != tt.want {
				t.Errorf("FormatTasks() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDAGGetReturnsCopy(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "A", DependsOn: nil})
	dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}})

	b, _ := dag.Get("B")
	b.Status = TaskCompleted
	b.DependsOn[0] = "mutated"

	again, _ := dag.Get("B")
	if again.Status != TaskPending || again.DependsOn[0] != "A" {
		t.Errorf("Get() leaked internal state: %+v", again)
	}
}

func TestDAGCountsAndPending(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Task{ID: "b"})
	dag.AddTask(&Task{ID: "a"})
	dag.AddTask(&Task{ID: "c"})
	dag.MarkReady("a")
	dag.MarkCompleted("c", "")

	if got := dag.PendingIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PendingIDs() = %v, want [a b]", got)
	}
	counts := dag.Counts()
	if counts[TaskPending] != 1 || counts[TaskReady] != 1 || counts[TaskCompleted] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

// Draining the ready set of any acyclic graph, completing or failing tasks at
// random, always terminates with every task in a final state and never runs a
// task before its dependencies completed.
func TestDAGDrainProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		dag := NewDAG()
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps = append(deps, fmt.Sprintf("t%d", j))
				}
			}
			if err := dag.AddTask(&Task{ID: fmt.Sprintf("t%d", i), DependsOn: deps}); err != nil {
				t.Fatalf("AddTask: %v", err)
			}
		}
		if _, err := dag.Validate(); err != nil {
			t.Fatalf("Validate() on acyclic graph: %v", err)
		}

		for waves := 0; ; waves++ {
			if waves > n {
				t.Fatalf("not drained after %d waves", waves)
			}
			dag.FailBlocked()
			ready := dag.Ready()
			if len(ready) == 0 {
				break
			}
			for _, task := range ready {
				for _, dep := range task.DependsOn {
					d, _ := dag.Get(dep)
					if d.Status != TaskCompleted {
						t.Fatalf("%s ready before dependency %s completed", task.ID, dep)
					}
				}
				if rapid.Bool().Draw(t, "fail_"+task.ID) {
					dag.MarkFailed(task.ID, errors.New("boom"))
				} else {
					dag.MarkCompleted(task.ID, "")
				}
			}
		}

		if pending := dag.PendingIDs(); len(pending) != 0 {
			t.Fatalf("tasks left pending: %v", pending)
		}
	})
}
